package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/errors"
	"github.com/mkalpine/codeassist-relay/internal/fingerprint"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// Stats is the rollup over enabled accounts.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Limited int `json:"limited"`
}

// Pool is the shared account registry. All mutations go through its methods;
// writes to disk are serialized by the store.
type Pool struct {
	mu       sync.RWMutex
	store    *Store
	accounts []*Account
	settings *config.Settings
	tokens   *TokenManager

	// onActivity is invoked whenever an account is selected for forward
	// traffic, so the telemetry loop can track liveness.
	onActivity func()
}

// NewPool creates a pool over the given store and token manager.
func NewPool(store *Store, tokens *TokenManager) *Pool {
	return &Pool{
		store:    store,
		accounts: []*Account{},
		tokens:   tokens,
	}
}

// SetActivityNotifier registers the callback fired on account selection.
func (p *Pool) SetActivityNotifier(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onActivity = fn
}

// Load reads the registry from disk, synthesizes missing fingerprints, and
// upgrades legacy ones. Idempotent; safe to call again to reload.
func (p *Pool) Load() error {
	accounts, settings, err := p.store.Load()
	if err != nil {
		return err
	}

	dirty := false
	for _, acc := range accounts {
		if acc.Status == "" {
			acc.Status = StatusUnknown
		}
		if acc.Fingerprint == nil {
			acc.Fingerprint = fingerprint.Generate()
			dirty = true
			utils.Info("[Pool] Generated fingerprint for %s", acc.Email)
			continue
		}
		if upgraded := fingerprint.UpdateVersion(acc.Fingerprint); upgraded != acc.Fingerprint {
			acc.Fingerprint = upgraded
			dirty = true
			utils.Info("[Pool] Upgraded legacy fingerprint for %s", acc.Email)
		}
	}

	p.mu.Lock()
	p.accounts = accounts
	p.settings = settings
	p.mu.Unlock()

	if dirty {
		if err := p.save(); err != nil {
			utils.Warn("[Pool] Failed to persist fingerprint updates: %v", err)
		}
	}

	utils.Info("[Pool] Loaded %d account(s) from %s", len(accounts), p.store.Path())
	return nil
}

// Settings returns the settings block read from the accounts file, if any.
func (p *Pool) Settings() *config.Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Count returns the number of accounts.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// Accounts returns a snapshot of the registry. Every entry is a copy taken
// under the lock, so callers can read it while the pool keeps mutating the
// live accounts. Mutations go through pool methods.
func (p *Pool) Accounts() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]*Account, len(p.accounts))
	for i, acc := range p.accounts {
		result[i] = acc.clone()
	}
	return result
}

// GetByEmail returns a copy of the account with the given email.
func (p *Pool) GetByEmail(email string) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acc := p.findLocked(email)
	if acc == nil {
		return nil, errors.NewNoAccountsError("Account " + email + " not found")
	}
	return acc.clone(), nil
}

// SelectAccount picks the account to serve a request for modelID.
//
// Eligible accounts are enabled and not invalid. Accounts with status ok and
// usable quota for the model are preferred; within a bucket the least
// recently used wins. When no ok candidate exists the pool falls back to
// unknown, then limited. Selection bumps lastUsed and notifies the telemetry
// loop. The returned account is a copy; health signals are recorded back by
// email.
func (p *Pool) SelectAccount(modelID string) (*Account, error) {
	p.mu.Lock()

	var eligible []*Account
	for _, acc := range p.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		eligible = append(eligible, acc)
	}
	if len(eligible) == 0 {
		p.mu.Unlock()
		return nil, errors.NewNoAccountsError("")
	}

	var preferred []*Account
	for _, acc := range eligible {
		if acc.Status == StatusOK && acc.HasUsableQuota(modelID) {
			preferred = append(preferred, acc)
		}
	}

	selected := leastRecentlyUsed(preferred)
	if selected == nil {
		selected = leastRecentlyUsed(filterByStatus(eligible, StatusUnknown))
	}
	if selected == nil {
		selected = leastRecentlyUsed(filterByStatus(eligible, StatusLimited))
	}
	if selected == nil {
		p.mu.Unlock()
		return nil, errors.NewNoAccountsError("")
	}

	selected.LastUsed = time.Now().UnixMilli()
	snapshot := selected.clone()
	notify := p.onActivity
	p.mu.Unlock()

	if notify != nil {
		notify()
	}
	if err := p.save(); err != nil {
		utils.Warn("[Pool] Failed to persist selection: %v", err)
	}

	utils.Debug("[Pool] Selected %s for model %s", snapshot.Email, modelID)
	return snapshot, nil
}

func leastRecentlyUsed(accounts []*Account) *Account {
	var best *Account
	for _, acc := range accounts {
		if best == nil || acc.LastUsed < best.LastUsed {
			best = acc
		}
	}
	return best
}

func filterByStatus(accounts []*Account, status string) []*Account {
	var result []*Account
	for _, acc := range accounts {
		if acc.Status == status {
			result = append(result, acc)
		}
	}
	return result
}

// GetTokenFor returns an access token for the account. A refresh failure
// that looks like a revoked credential invalidates the account.
func (p *Pool) GetTokenFor(ctx context.Context, acc *Account) (string, error) {
	token, err := p.tokens.GetToken(ctx, acc)
	if err != nil {
		if errors.IsAuthError(err) {
			p.RecordUnauthorized(acc.Email, err.Error())
		}
		return "", err
	}
	return token, nil
}

// BuildHeaders assembles the fingerprint headers for the account.
func (p *Pool) BuildHeaders(acc *Account) map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fingerprint.BuildHeaders(acc.Fingerprint)
}

// RecordSuccess marks the account healthy after a successful request.
func (p *Pool) RecordSuccess(email, modelID string) {
	p.mutate(email, func(acc *Account) {
		acc.Status = StatusOK
		acc.LimitedModel = ""
	})
}

// RecordRateLimited marks the account limited for a model. It never
// invalidates: limits clear on their own.
func (p *Pool) RecordRateLimited(email, modelID string) {
	p.mutate(email, func(acc *Account) {
		acc.Status = StatusLimited
		acc.LimitedModel = modelID
		utils.Warn("[Pool] %s rate limited on %s", email, modelID)
	})
}

// RecordServerError marks the account transiently errored after retries were
// exhausted against a 5xx.
func (p *Pool) RecordServerError(email string) {
	p.mutate(email, func(acc *Account) {
		acc.Status = StatusError
	})
}

// RecordUnauthorized terminally invalidates the account (401 or persistent
// refresh failure).
func (p *Pool) RecordUnauthorized(email, reason string) {
	p.mutate(email, func(acc *Account) {
		acc.IsInvalid = true
		acc.InvalidReason = reason
		utils.Error("[Pool] %s invalidated: %s", email, reason)
	})
	p.tokens.ClearCacheFor(email)
}

// UpdateSubscription records the tier and project id observed upstream.
func (p *Pool) UpdateSubscription(email, tier, projectID string) {
	p.mutate(email, func(acc *Account) {
		if acc.Subscription == nil {
			acc.Subscription = &SubscriptionInfo{}
		}
		acc.Subscription.Tier = tier
		if projectID != "" {
			acc.Subscription.ProjectID = projectID
		}
		acc.Subscription.DetectedAt = time.Now().UnixMilli()
	})
}

// UpdateQuota merges per-model quota observations for the account.
func (p *Pool) UpdateQuota(email string, models map[string]*ModelQuota) {
	p.mutate(email, func(acc *Account) {
		if acc.Subscription == nil {
			acc.Subscription = &SubscriptionInfo{}
		}
		if acc.Subscription.Models == nil {
			acc.Subscription.Models = make(map[string]*ModelQuota)
		}
		for modelID, quota := range models {
			acc.Subscription.Models[modelID] = quota
		}
	})
}

// RegenerateFingerprint rotates the account to a fresh fingerprint, pushing
// the current one to history.
func (p *Pool) RegenerateFingerprint(email string) (*fingerprint.Fingerprint, error) {
	return p.rotateFingerprint(email, fingerprint.ReasonRegenerated)
}

// InvalidateFingerprint rotates away from a fingerprint suspected to be
// burned upstream, recording it with reason invalidated.
func (p *Pool) InvalidateFingerprint(email string) (*fingerprint.Fingerprint, error) {
	return p.rotateFingerprint(email, fingerprint.ReasonInvalidated)
}

func (p *Pool) rotateFingerprint(email, reason string) (*fingerprint.Fingerprint, error) {
	var result *fingerprint.Fingerprint
	err := p.mutateErr(email, func(acc *Account) error {
		pushHistory(acc, reason)
		acc.Fingerprint = fingerprint.Generate()
		result = acc.Fingerprint
		utils.Info("[Pool] Fingerprint %s for %s", reason, email)
		return nil
	})
	return result, err
}

// RestoreFingerprint reinstates the history entry at index as the current
// fingerprint. The displaced current fingerprint is pushed to history with
// reason restored, and the restored entry is removed so the current
// fingerprint never appears in its own history.
func (p *Pool) RestoreFingerprint(email string, index int) (*fingerprint.Fingerprint, error) {
	var result *fingerprint.Fingerprint
	err := p.mutateErr(email, func(acc *Account) error {
		if index < 0 || index >= len(acc.FingerprintHistory) {
			return errors.NewInvalidArgumentError(
				fmt.Sprintf("fingerprint history index %d out of range (0-%d)", index, len(acc.FingerprintHistory)-1))
		}

		pushHistory(acc, fingerprint.ReasonRestored)
		// the target entry shifted down by one when the current
		// fingerprint was pushed
		target := index + 1
		entry := acc.FingerprintHistory[target]
		acc.FingerprintHistory = append(acc.FingerprintHistory[:target], acc.FingerprintHistory[target+1:]...)

		restored := entry.Fingerprint
		acc.Fingerprint = &restored
		result = acc.Fingerprint
		utils.Info("[Pool] Fingerprint restored for %s (history index %d)", email, index)
		return nil
	})
	return result, err
}

// pushHistory prepends the current fingerprint to history and truncates to
// the cap. No-op when the account has no current fingerprint.
func pushHistory(acc *Account, reason string) {
	if acc.Fingerprint == nil {
		return
	}
	entry := &fingerprint.HistoryEntry{
		Fingerprint: *acc.Fingerprint,
		Reason:      reason,
		Timestamp:   time.Now().UnixMilli(),
	}
	acc.FingerprintHistory = append([]*fingerprint.HistoryEntry{entry}, acc.FingerprintHistory...)
	if len(acc.FingerprintHistory) > config.MaxFingerprintHistory+1 {
		acc.FingerprintHistory = acc.FingerprintHistory[:config.MaxFingerprintHistory+1]
	}
}

// trimHistory enforces the cap after a rotation settles.
func trimHistory(acc *Account) {
	if len(acc.FingerprintHistory) > config.MaxFingerprintHistory {
		acc.FingerprintHistory = acc.FingerprintHistory[:config.MaxFingerprintHistory]
	}
}

// AddOrUpdate inserts a new account or replaces an existing one by email.
func (p *Pool) AddOrUpdate(acc *Account) error {
	if acc.Email == "" {
		return errors.NewInvalidArgumentError("account email is required")
	}
	if acc.Status == "" {
		acc.Status = StatusUnknown
	}
	if acc.Fingerprint == nil {
		acc.Fingerprint = fingerprint.Generate()
	}

	p.mu.Lock()
	if existing := p.findLocked(acc.Email); existing != nil {
		*existing = *acc
		utils.Info("[Pool] Account %s updated", acc.Email)
	} else {
		p.accounts = append(p.accounts, acc)
		utils.Info("[Pool] Account %s added", acc.Email)
	}
	p.mu.Unlock()

	return p.save()
}

// SetEnabled flips the enabled flag.
func (p *Pool) SetEnabled(email string, enabled bool) error {
	return p.mutateErr(email, func(acc *Account) error {
		acc.Enabled = enabled
		return nil
	})
}

// Remove deletes the account.
func (p *Pool) Remove(email string) error {
	p.mu.Lock()
	found := false
	for i, acc := range p.accounts {
		if acc.Email == email {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()

	if !found {
		return errors.NewNoAccountsError("Account " + email + " not found")
	}
	p.tokens.ClearCacheFor(email)
	return p.save()
}

// GetStatus returns the secret-free status view for every account.
func (p *Pool) GetStatus() []StatusView {
	p.mu.RLock()
	defer p.mu.RUnlock()

	views := make([]StatusView, 0, len(p.accounts))
	for _, acc := range p.accounts {
		views = append(views, StatusView{
			Email:          acc.Email,
			Source:         acc.Source,
			Enabled:        acc.Enabled,
			IsInvalid:      acc.IsInvalid,
			InvalidReason:  acc.InvalidReason,
			Status:         acc.Status,
			LimitedModel:   acc.LimitedModel,
			Subscription:   acc.Subscription.clone(),
			LastUsed:       acc.LastUsed,
			HasFingerprint: acc.Fingerprint != nil,
			HistoryLength:  len(acc.FingerprintHistory),
		})
	}
	return views
}

// GetStats returns the rollup over enabled accounts. An account is active
// when its status is ok and it has core-quota headroom; otherwise limited.
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{}
	for _, acc := range p.accounts {
		if !acc.Enabled {
			continue
		}
		stats.Total++
		if acc.IsInvalid {
			stats.Limited++
			continue
		}
		if acc.IsActive() {
			stats.Active++
		} else {
			stats.Limited++
		}
	}
	return stats
}

// mutate applies fn to the account with the given email and persists.
func (p *Pool) mutate(email string, fn func(acc *Account)) {
	_ = p.mutateErr(email, func(acc *Account) error {
		fn(acc)
		return nil
	})
}

func (p *Pool) mutateErr(email string, fn func(acc *Account) error) error {
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return errors.NewNoAccountsError("Account " + email + " not found")
	}
	if err := fn(acc); err != nil {
		p.mu.Unlock()
		return err
	}
	trimHistory(acc)
	p.mu.Unlock()

	if err := p.save(); err != nil {
		utils.Warn("[Pool] Failed to persist account update: %v", err)
	}
	return nil
}

func (p *Pool) findLocked(email string) *Account {
	for _, acc := range p.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

func (p *Pool) save() error {
	p.mu.RLock()
	accounts := make([]*Account, len(p.accounts))
	copy(accounts, p.accounts)
	settings := p.settings
	p.mu.RUnlock()
	return p.store.Save(accounts, settings)
}
