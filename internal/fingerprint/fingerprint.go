// Package fingerprint generates and maintains synthetic device identities.
// Each account carries one fingerprint so its upstream traffic looks like it
// comes from a single installed editor on a single machine.
package fingerprint

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkalpine/codeassist-relay/internal/config"
)

// ClientMetadata mirrors the Client-Metadata header payload expected by the
// CodeAssist API.
type ClientMetadata struct {
	IdeType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
	OsVersion  string `json:"osVersion"`
	Arch       string `json:"arch"`
	SqmID      string `json:"sqmId"`
}

// Fingerprint is a synthetic device identity. All random fields are drawn
// independently at generation time and stay stable for the account's lifetime.
type Fingerprint struct {
	DeviceID       string         `json:"deviceId"`
	SessionToken   string         `json:"sessionToken"`
	UserAgent      string         `json:"userAgent"`
	APIClient      string         `json:"apiClient"`
	QuotaUser      string         `json:"quotaUser"`
	ClientMetadata ClientMetadata `json:"clientMetadata"`
	CreatedAt      int64          `json:"createdAt"`
}

// HistoryEntry records a fingerprint that was rotated out of service.
type HistoryEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Reason      string      `json:"reason"` // regenerated | restored | invalidated
	Timestamp   int64       `json:"timestamp"`
}

// Rotation reasons stored in fingerprint history.
const (
	ReasonRegenerated = "regenerated"
	ReasonRestored    = "restored"
	ReasonInvalidated = "invalidated"
)

type platformProfile struct {
	name       string // darwin | win32 | linux
	metadata   string // macos | windows | linux
	osVersions []string
	arches     []string
}

var platformProfiles = []platformProfile{
	{
		name:       "darwin",
		metadata:   "macos",
		osVersions: []string{"13.6.7", "14.5", "14.6.1", "15.0.1", "15.1"},
		arches:     []string{"x64", "arm64"},
	},
	{
		name:       "win32",
		metadata:   "windows",
		osVersions: []string{"10.0.19045", "10.0.22621", "10.0.22631", "10.0.26100"},
		arches:     []string{"x64", "arm64"},
	},
	{
		name:       "linux",
		metadata:   "linux",
		osVersions: []string{"5.15.0", "6.1.0", "6.5.0", "6.8.0"},
		arches:     []string{"x64"},
	},
}

// editorVersions are the VS Code fork versions embedded in the user agent.
var editorVersions = []string{"1.99.3", "1.100.2", "1.101.1", "1.102.0"}

// runtimePairs keep the Electron and bundled Chromium versions consistent
// with each other.
var runtimePairs = []struct {
	electron string
	chrome   string
}{
	{"30.5.1", "124.0.6367.243"},
	{"32.2.6", "128.0.6613.186"},
	{"33.2.1", "130.0.6723.137"},
	{"34.0.0", "132.0.6834.83"},
}

// apiClients are plausible upstream SDK identifiers.
var apiClients = []string{
	"gl-node/20.11.1",
	"gl-node/20.18.0",
	"gl-node/22.9.0",
	"google-api-nodejs-client/9.15.1",
}

// Generate produces a fully random fingerprint. The platform is chosen
// uniformly and the user agent is kept consistent with the platform and OS
// version drawn for the client metadata.
func Generate() *Fingerprint {
	profile := platformProfiles[mrand.Intn(len(platformProfiles))]
	osVersion := pick(profile.osVersions)
	arch := pick(profile.arches)
	editor := pick(editorVersions)
	runtime := runtimePairs[mrand.Intn(len(runtimePairs))]

	return &Fingerprint{
		DeviceID:     uuid.NewString(),
		SessionToken: randomHexBytes(16),
		UserAgent:    buildUserAgent(profile.name, osVersion, editor, runtime.chrome, runtime.electron),
		APIClient:    pick(apiClients),
		QuotaUser:    "device-" + randomHexBytes(8),
		ClientMetadata: ClientMetadata{
			IdeType:    "IDE_UNSPECIFIED",
			Platform:   profile.metadata,
			PluginType: "GEMINI",
			OsVersion:  osVersion,
			Arch:       arch,
			SqmID:      sqmIDFor(profile.name),
		},
		CreatedAt: time.Now().UnixMilli(),
	}
}

// buildUserAgent formats the browser-like user agent for a platform. Mac OS
// versions use underscores, Windows uses the NT version, Linux is always
// X11 x86_64.
func buildUserAgent(platform, osVersion, editor, chrome, electron string) string {
	var osToken string
	switch platform {
	case "darwin":
		osToken = fmt.Sprintf("Macintosh; Intel Mac OS X %s", strings.ReplaceAll(osVersion, ".", "_"))
	case "win32":
		osToken = "Windows NT 10.0; Win64; x64"
	default:
		osToken = "X11; Linux x86_64"
	}
	return fmt.Sprintf(
		"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Code/%s Chrome/%s Electron/%s Safari/537.36",
		osToken, editor, chrome, electron,
	)
}

// BuildHeaders returns the outbound headers for a fingerprint. A nil
// fingerprint yields an empty map.
func BuildHeaders(fp *Fingerprint) map[string]string {
	if fp == nil {
		return map[string]string{}
	}
	metadata, _ := json.Marshal(fp.ClientMetadata)
	return map[string]string{
		"User-Agent":         fp.UserAgent,
		"X-Goog-Api-Client":  fp.APIClient,
		"Client-Metadata":    string(metadata),
		"X-Goog-QuotaUser":   fp.QuotaUser,
		"X-Client-Device-Id": fp.DeviceID,
	}
}

// UpdateVersion upgrades a fingerprint whose user agent still carries the
// legacy "antigravity/" prefix. The device identity (deviceId, sessionToken,
// quotaUser, createdAt) is preserved; only the presentation fields are
// regenerated. Fingerprints already on a browser-style user agent are
// returned unchanged, same pointer.
func UpdateVersion(fp *Fingerprint) *Fingerprint {
	if fp == nil {
		return nil
	}
	if !strings.HasPrefix(fp.UserAgent, config.LegacyUserAgentPrefix) {
		return fp
	}
	fresh := Generate()
	fresh.DeviceID = fp.DeviceID
	fresh.SessionToken = fp.SessionToken
	fresh.QuotaUser = fp.QuotaUser
	fresh.CreatedAt = fp.CreatedAt
	return fresh
}

func pick(values []string) string {
	return values[mrand.Intn(len(values))]
}

// randomHexBytes returns n cryptographically random bytes hex encoded.
func randomHexBytes(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a UUID-derived token rather than panic.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:n*2]
	}
	return hex.EncodeToString(buf)
}

// sqmIDFor returns a Windows SQM machine id for win32 and an empty string
// elsewhere, matching what the real editor reports.
func sqmIDFor(platform string) string {
	if platform != "win32" {
		return ""
	}
	return "{" + strings.ToUpper(uuid.NewString()) + "}"
}
