// Package config provides configuration constants and runtime configuration
// management for the CodeAssist relay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version information
const Version = "1.0.0"

// CodeAssist API endpoints (in fallback order)
const (
	CodeAssistEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	CodeAssistEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// CodeAssistEndpointFallbacks is the endpoint fallback order (daily -> prod)
var CodeAssistEndpointFallbacks = []string{
	CodeAssistEndpointDaily,
	CodeAssistEndpointProd,
}

// v1internal API paths
const (
	PathGenerateContent          = "/v1internal:streamGenerateContent"
	PathFetchUserInfo            = "/v1internal:fetchUserInfo"
	PathListExperiments          = "/v1internal:listExperiments"
	PathRecordTrajectoryAnalytics = "/v1internal:recordTrajectoryAnalytics"
	PathRecordCodeAssistMetrics  = "/v1internal:recordCodeAssistMetrics"
	PathFetchAvailableModels     = "/v1internal:fetchAvailableModels"
)

// File locations
var (
	// AccountConfigPath is the path to the accounts configuration file
	AccountConfigPath = filepath.Join(getHomeDir(), ".config", "antigravity-proxy", "accounts.json")
	// UsageHistoryPath is the path to the usage history file
	UsageHistoryPath = filepath.Join(getHomeDir(), ".config", "antigravity-proxy", "usage-history.json")
	// AntigravityDBPath is the path to the local Antigravity app database
	AntigravityDBPath = getAntigravityDBPath()
)

// Throttled fetch constants
const (
	// MaxFetchRetries is the number of additional attempts after the first
	MaxFetchRetries = 2
	// DefaultRequestDelayMs is the default pre-call throttle delay
	DefaultRequestDelayMs = 200
	// RetryBackoffBaseMs is the base for exponential retry backoff
	RetryBackoffBaseMs = 1000
	// RetryBackoffFloorMs is the minimum sleep between retry attempts
	RetryBackoffFloorMs = 500
)

// Traffic shaper defaults
const (
	DefaultShaperMinDelayMs = 3000
	DefaultShaperJitterMs   = 2000
)

// Token cache constants
const (
	// TokenExpirySkewMs is subtracted from the upstream expiry before a
	// cached access token is considered stale
	TokenExpirySkewMs = 60 * 1000
	// DefaultTokenTTLMs is used when the refresh response omits expires_in
	DefaultTokenTTLMs = 5 * 60 * 1000
)

// Fingerprint constants
const (
	// MaxFingerprintHistory caps the per-account fingerprint history
	MaxFingerprintHistory = 5
	// LegacyUserAgentPrefix marks fingerprints generated before the
	// browser-style user agents; they are upgraded in place on load
	LegacyUserAgentPrefix = "antigravity/"
)

// Telemetry constants
const (
	TelemetryInitialDelayMs     = 5 * 1000
	TelemetryIntervalMs         = 45 * 1000
	TelemetryIntervalJitterMs   = 15 * 1000
	TelemetryMinIntervalMs      = 5 * 1000
	TelemetryErrorBackoffMs     = 60 * 1000
	ActiveSessionWindowMs       = 10 * 60 * 1000
	RecentActivityWindowMs      = 15 * 1000
	// TelemetryHeartbeatModel is the model id reported in trajectory
	// metrics. Upstream currently accepts stale ids; rotate from an
	// allowlist if that changes.
	TelemetryHeartbeatModel = "gemini-1.5-pro-002"
)

// Quota constants
const (
	// QuotaCriticalThreshold is the remaining-fraction floor below which a
	// model quota no longer counts as usable
	QuotaCriticalThreshold = 0.05
)

// SignatureCacheCapacity bounds the thinking-signature cache
const SignatureCacheCapacity = 10_000

// SignatureCacheTTLMs is the Redis TTL for cached signatures (2 hours)
const SignatureCacheTTLMs = 2 * 60 * 60 * 1000

// MinSignatureLength is the shortest signature worth caching
const MinSignatureLength = 50

// Server constants
const (
	DefaultPort      = 8080
	RequestBodyLimit = int64(50 * 1024 * 1024)
)

// coreModelPattern identifies the model ids whose quota drives account
// health decisions.
var coreModelPattern = regexp.MustCompile(`(?i)sonnet|opus|pro|flash`)

// IsCoreModel reports whether a model id counts as a core model
func IsCoreModel(modelID string) bool {
	return coreModelPattern.MatchString(modelID)
}

// ModelFamily represents the model family type
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyOther   ModelFamily = "other"
)

// GetModelFamily returns the model family for a model id
func GetModelFamily(modelID string) ModelFamily {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyOther
}

// OAuthConfigType holds the Google OAuth client configuration
type OAuthConfigType struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// OAuthConfig is the Google OAuth configuration used for account refresh
var OAuthConfig = OAuthConfigType{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// Helper functions

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func getAntigravityDBPath() string {
	home := getHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

// envInt reads an integer environment variable with a fallback
func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

// envBool reads a boolean environment variable with a fallback
func envBool(name string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func envString(name, fallback string) string {
	if raw := os.Getenv(name); raw != "" {
		return raw
	}
	return fallback
}

// FormatEndpointURL joins an endpoint base with a v1internal path
func FormatEndpointURL(base, path string) string {
	return fmt.Sprintf("%s%s", base, path)
}
