// Package pool manages the upstream account registry: persistence, selection,
// health tracking, fingerprints, and OAuth token caching.
package pool

import (
	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/fingerprint"
)

// Account status values derived from upstream signals.
const (
	StatusOK      = "ok"
	StatusLimited = "limited"
	StatusError   = "error"
	StatusUnknown = "unknown"
)

// Account sources.
const (
	SourceManual   = "manual"
	SourceOAuth    = "oauth"
	SourceImported = "imported"
)

// ModelQuota is the remaining quota observed for one model.
type ModelQuota struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime,omitempty"`
}

// SubscriptionInfo is the upstream tier and per-model quota map.
type SubscriptionInfo struct {
	Tier       string                 `json:"tier,omitempty"` // ultra | pro | free
	ProjectID  string                 `json:"projectId,omitempty"`
	Models     map[string]*ModelQuota `json:"models,omitempty"`
	DetectedAt int64                  `json:"detectedAt,omitempty"`
}

// Account is the identity and state for one upstream credential.
type Account struct {
	Email              string                     `json:"email"`
	Source             string                     `json:"source"`
	ProjectID          string                     `json:"projectId,omitempty"`
	OAuthRefreshToken  string                     `json:"oauthRefreshToken,omitempty"`
	APIKey             string                     `json:"apiKey,omitempty"`
	Enabled            bool                       `json:"enabled"`
	IsInvalid          bool                       `json:"isInvalid"`
	InvalidReason      string                     `json:"invalidReason,omitempty"`
	LastUsed           int64                      `json:"lastUsed,omitempty"`
	Status             string                     `json:"status,omitempty"`
	LimitedModel       string                     `json:"limitedModel,omitempty"`
	Subscription       *SubscriptionInfo          `json:"subscription,omitempty"`
	Fingerprint        *fingerprint.Fingerprint   `json:"fingerprint,omitempty"`
	FingerprintHistory []*fingerprint.HistoryEntry `json:"fingerprintHistory,omitempty"`
}

// clone returns a copy safe to read after the pool lock is released. The
// subscription and its quota map are mutated in place by pool updates, so
// they are copied too; fingerprints are immutable once generated and can be
// shared.
func (a *Account) clone() *Account {
	dup := *a
	dup.Subscription = a.Subscription.clone()
	if a.FingerprintHistory != nil {
		dup.FingerprintHistory = append([]*fingerprint.HistoryEntry(nil), a.FingerprintHistory...)
	}
	return &dup
}

func (s *SubscriptionInfo) clone() *SubscriptionInfo {
	if s == nil {
		return nil
	}
	dup := *s
	if s.Models != nil {
		dup.Models = make(map[string]*ModelQuota, len(s.Models))
		for modelID, quota := range s.Models {
			q := *quota
			dup.Models[modelID] = &q
		}
	}
	return &dup
}

// EffectiveProjectID resolves the project id, preferring the one detected on
// the subscription over the statically configured one.
func (a *Account) EffectiveProjectID() string {
	if a.Subscription != nil && a.Subscription.ProjectID != "" {
		return a.Subscription.ProjectID
	}
	return a.ProjectID
}

// quotaFraction returns the remaining fraction for modelID, or -1 when the
// model has no recorded quota.
func (a *Account) quotaFraction(modelID string) float64 {
	if a.Subscription == nil || a.Subscription.Models == nil {
		return -1
	}
	if quota, ok := a.Subscription.Models[modelID]; ok {
		return quota.RemainingFraction
	}
	return -1
}

// HasUsableQuota reports whether the account has quota headroom for modelID.
// When the specific model is unknown, any core model with remaining fraction
// above the critical threshold counts. An account with no quota data at all
// is treated as usable (nothing contradicts it yet).
func (a *Account) HasUsableQuota(modelID string) bool {
	if a.Subscription == nil || len(a.Subscription.Models) == 0 {
		return true
	}
	if fraction := a.quotaFraction(modelID); fraction >= 0 {
		return fraction > config.QuotaCriticalThreshold
	}
	return a.hasUsableCoreQuota()
}

// hasUsableCoreQuota implements the stats-rollup rule: at least one
// core-model quota above the threshold; if no core quota is recorded,
// consider every model.
func (a *Account) hasUsableCoreQuota() bool {
	if a.Subscription == nil || len(a.Subscription.Models) == 0 {
		return false
	}
	hasCore := false
	for modelID, quota := range a.Subscription.Models {
		if !config.IsCoreModel(modelID) {
			continue
		}
		hasCore = true
		if quota.RemainingFraction > config.QuotaCriticalThreshold {
			return true
		}
	}
	if hasCore {
		return false
	}
	for _, quota := range a.Subscription.Models {
		if quota.RemainingFraction > config.QuotaCriticalThreshold {
			return true
		}
	}
	return false
}

// IsActive implements the stats-rollup definition of an active account.
func (a *Account) IsActive() bool {
	return a.Status == StatusOK && a.hasUsableCoreQuotaOrNoData()
}

func (a *Account) hasUsableCoreQuotaOrNoData() bool {
	if a.Subscription == nil || len(a.Subscription.Models) == 0 {
		return true
	}
	return a.hasUsableCoreQuota()
}

// StatusView is the secret-free per-account view exposed over the admin API.
type StatusView struct {
	Email          string            `json:"email"`
	Source         string            `json:"source"`
	Enabled        bool              `json:"enabled"`
	IsInvalid      bool              `json:"isInvalid"`
	InvalidReason  string            `json:"invalidReason,omitempty"`
	Status         string            `json:"status"`
	LimitedModel   string            `json:"limitedModel,omitempty"`
	Subscription   *SubscriptionInfo `json:"subscription,omitempty"`
	LastUsed       int64             `json:"lastUsed,omitempty"`
	HasFingerprint bool              `json:"hasFingerprint"`
	HistoryLength  int               `json:"historyLength"`
}
