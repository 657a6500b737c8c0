package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalpine/codeassist-relay/internal/auth"
	"github.com/mkalpine/codeassist-relay/internal/errors"
	"github.com/mkalpine/codeassist-relay/internal/fingerprint"
)

func newTestPool(t *testing.T, accounts ...*Account) *Pool {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.Save(accounts, nil))

	p := NewPool(store, NewTokenManager())
	require.NoError(t, p.Load())
	return p
}

func account(email string, opts ...func(*Account)) *Account {
	acc := &Account{
		Email:   email,
		Source:  SourceManual,
		Enabled: true,
		Status:  StatusUnknown,
	}
	for _, opt := range opts {
		opt(acc)
	}
	return acc
}

func withStatus(status string) func(*Account) {
	return func(a *Account) { a.Status = status }
}

func withLastUsed(ts int64) func(*Account) {
	return func(a *Account) { a.LastUsed = ts }
}

func withQuota(modelID string, fraction float64) func(*Account) {
	return func(a *Account) {
		if a.Subscription == nil {
			a.Subscription = &SubscriptionInfo{Models: map[string]*ModelQuota{}}
		}
		if a.Subscription.Models == nil {
			a.Subscription.Models = map[string]*ModelQuota{}
		}
		a.Subscription.Models[modelID] = &ModelQuota{RemainingFraction: fraction}
	}
}

func TestLoadSynthesizesFingerprints(t *testing.T) {
	p := newTestPool(t, account("a@example.com"))

	acc, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	require.NotNil(t, acc.Fingerprint)
	assert.NotEmpty(t, acc.Fingerprint.DeviceID)

	// reload must keep the synthesized fingerprint
	deviceID := acc.Fingerprint.DeviceID
	require.NoError(t, p.Load())
	acc, err = p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, deviceID, acc.Fingerprint.DeviceID)
}

func TestLoadUpgradesLegacyFingerprint(t *testing.T) {
	acc := account("a@example.com")
	acc.Fingerprint = fingerprint.Generate()
	acc.Fingerprint.UserAgent = "antigravity/1.11.5 (linux; x64)"
	deviceID := acc.Fingerprint.DeviceID

	p := newTestPool(t, acc)

	loaded, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, deviceID, loaded.Fingerprint.DeviceID)
	assert.Contains(t, loaded.Fingerprint.UserAgent, "Mozilla/5.0")
}

func TestSelectAccountPrefersHealthyLRU(t *testing.T) {
	p := newTestPool(t,
		account("ok-old@example.com", withStatus(StatusOK), withLastUsed(100), withQuota("claude-sonnet-4", 0.9)),
		account("ok-new@example.com", withStatus(StatusOK), withLastUsed(200), withQuota("claude-sonnet-4", 0.9)),
		account("limited@example.com", withStatus(StatusLimited), withLastUsed(1)),
	)

	acc, err := p.SelectAccount("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "ok-old@example.com", acc.Email)
	assert.Greater(t, acc.LastUsed, int64(200), "selection bumps lastUsed")
}

func TestSelectAccountSkipsExhaustedQuota(t *testing.T) {
	p := newTestPool(t,
		account("drained@example.com", withStatus(StatusOK), withLastUsed(1), withQuota("claude-sonnet-4", 0.01)),
		account("fresh@example.com", withStatus(StatusOK), withLastUsed(500), withQuota("claude-sonnet-4", 0.8)),
	)

	acc, err := p.SelectAccount("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "fresh@example.com", acc.Email)
}

func TestSelectAccountFallbackOrder(t *testing.T) {
	p := newTestPool(t,
		account("limited@example.com", withStatus(StatusLimited)),
		account("unknown@example.com", withStatus(StatusUnknown)),
	)

	acc, err := p.SelectAccount("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "unknown@example.com", acc.Email, "unknown is preferred over limited")
}

func TestSelectAccountExcludesDisabledAndInvalid(t *testing.T) {
	disabled := account("disabled@example.com", withStatus(StatusOK))
	disabled.Enabled = false
	invalid := account("invalid@example.com", withStatus(StatusOK))
	invalid.IsInvalid = true

	p := newTestPool(t, disabled, invalid)

	_, err := p.SelectAccount("claude-sonnet-4")
	require.Error(t, err)
	var noAccounts *errors.NoAccountsError
	require.ErrorAs(t, err, &noAccounts)
}

func TestSelectAccountNotifiesActivity(t *testing.T) {
	p := newTestPool(t, account("a@example.com", withStatus(StatusOK)))

	notified := make(chan struct{}, 1)
	p.SetActivityNotifier(func() { notified <- struct{}{} })

	_, err := p.SelectAccount("claude-sonnet-4")
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("activity notifier was not called")
	}
}

func TestRecordSignals(t *testing.T) {
	p := newTestPool(t, account("a@example.com"))

	p.RecordRateLimited("a@example.com", "claude-sonnet-4")
	acc, _ := p.GetByEmail("a@example.com")
	assert.Equal(t, StatusLimited, acc.Status)
	assert.Equal(t, "claude-sonnet-4", acc.LimitedModel)
	assert.False(t, acc.IsInvalid, "429 never invalidates")

	p.RecordServerError("a@example.com")
	acc, _ = p.GetByEmail("a@example.com")
	assert.Equal(t, StatusError, acc.Status)

	p.RecordSuccess("a@example.com", "claude-sonnet-4")
	acc, _ = p.GetByEmail("a@example.com")
	assert.Equal(t, StatusOK, acc.Status)
	assert.Empty(t, acc.LimitedModel)

	p.RecordUnauthorized("a@example.com", "invalid_grant")
	acc, _ = p.GetByEmail("a@example.com")
	assert.True(t, acc.IsInvalid)
	assert.Equal(t, "invalid_grant", acc.InvalidReason)
}

func TestFingerprintHistoryCap(t *testing.T) {
	p := newTestPool(t, account("a@example.com"))

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		fp, err := p.RegenerateFingerprint("a@example.com")
		require.NoError(t, err)
		require.False(t, seen[fp.DeviceID])
		seen[fp.DeviceID] = true
	}

	acc, _ := p.GetByEmail("a@example.com")
	assert.Len(t, acc.FingerprintHistory, 5)
	for _, entry := range acc.FingerprintHistory {
		assert.NotEqual(t, acc.Fingerprint.DeviceID, entry.Fingerprint.DeviceID,
			"current fingerprint must not appear in its own history")
	}
}

func TestFingerprintRestoreRemovesEntry(t *testing.T) {
	p := newTestPool(t, account("a@example.com"))

	acc, _ := p.GetByEmail("a@example.com")
	fp0 := acc.Fingerprint.DeviceID

	fp1, err := p.RegenerateFingerprint("a@example.com")
	require.NoError(t, err)
	fp2, err := p.RegenerateFingerprint("a@example.com")
	require.NoError(t, err)

	// history is [fp1, fp0], current fp2
	acc, _ = p.GetByEmail("a@example.com")
	require.Len(t, acc.FingerprintHistory, 2)
	require.Equal(t, fp1.DeviceID, acc.FingerprintHistory[0].Fingerprint.DeviceID)
	require.Equal(t, fp0, acc.FingerprintHistory[1].Fingerprint.DeviceID)

	restored, err := p.RestoreFingerprint("a@example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, fp0, restored.DeviceID)

	acc, _ = p.GetByEmail("a@example.com")
	assert.Equal(t, fp0, acc.Fingerprint.DeviceID)
	require.Len(t, acc.FingerprintHistory, 2)

	ids := []string{
		acc.FingerprintHistory[0].Fingerprint.DeviceID,
		acc.FingerprintHistory[1].Fingerprint.DeviceID,
	}
	assert.Contains(t, ids, fp2.DeviceID)
	assert.Contains(t, ids, fp1.DeviceID)
	assert.NotContains(t, ids, fp0, "restored fingerprint must leave history")
	assert.Equal(t, fingerprint.ReasonRestored, acc.FingerprintHistory[0].Reason)
}

func TestFingerprintRestoreOutOfRange(t *testing.T) {
	p := newTestPool(t, account("a@example.com"))

	_, err := p.RestoreFingerprint("a@example.com", 0)
	require.Error(t, err)
	var invalid *errors.InvalidArgumentError
	assert.ErrorAs(t, err, &invalid)

	_, err = p.RestoreFingerprint("a@example.com", -1)
	require.Error(t, err)
}

func TestGetStatusExcludesSecrets(t *testing.T) {
	acc := account("a@example.com", withStatus(StatusOK))
	acc.OAuthRefreshToken = "secret-refresh|project-1"
	acc.APIKey = "secret-key"

	p := newTestPool(t, acc)

	views := p.GetStatus()
	require.Len(t, views, 1)
	view := views[0]
	assert.Equal(t, "a@example.com", view.Email)
	assert.True(t, view.HasFingerprint)
	assert.Equal(t, StatusOK, view.Status)
}

func TestGetStats(t *testing.T) {
	p := newTestPool(t,
		account("active@example.com", withStatus(StatusOK), withQuota("claude-opus-4", 0.5)),
		account("drained@example.com", withStatus(StatusOK), withQuota("claude-opus-4", 0.01)),
		account("limited@example.com", withStatus(StatusLimited)),
		func() *Account {
			a := account("disabled@example.com", withStatus(StatusOK))
			a.Enabled = false
			return a
		}(),
	)

	stats := p.GetStats()
	assert.Equal(t, 3, stats.Total, "disabled accounts are excluded")
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Limited)
}

func TestAccountsReturnsDetachedCopies(t *testing.T) {
	p := newTestPool(t, account("a@example.com", withQuota("claude-sonnet-4", 0.9)))

	snapshot := p.Accounts()
	require.Len(t, snapshot, 1)
	snapshot[0].Status = StatusError
	snapshot[0].Subscription.Models["claude-sonnet-4"].RemainingFraction = 0

	acc, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, acc.Status)
	assert.Equal(t, 0.9, acc.Subscription.Models["claude-sonnet-4"].RemainingFraction)
}

func TestSnapshotReadsDuringSelection(t *testing.T) {
	p := newTestPool(t,
		account("a@example.com", withStatus(StatusOK)),
		account("b@example.com", withStatus(StatusOK)),
	)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = p.SelectAccount("claude-sonnet-4")
			p.UpdateQuota("a@example.com", map[string]*ModelQuota{
				"claude-sonnet-4": {RemainingFraction: 0.5},
			})
			p.RecordRateLimited("b@example.com", "claude-sonnet-4")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, acc := range p.Accounts() {
				_ = acc.Email
				_ = acc.LastUsed
				_ = acc.Status
				if acc.Subscription != nil {
					for _, quota := range acc.Subscription.Models {
						_ = quota.RemainingFraction
					}
				}
			}
			for _, view := range p.GetStatus() {
				_ = view.LastUsed
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestTransientRefreshFailureKeepsAccount(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	acc := account("a@example.com")
	acc.OAuthRefreshToken = "refresh-token|project-1"
	require.NoError(t, store.Save([]*Account{acc}, nil))

	tokens := NewTokenManagerWithRefresh(func(_ context.Context, _ string) (*auth.RefreshResult, error) {
		return nil, fmt.Errorf("token endpoint returned 503: upstream maintenance")
	})
	p := NewPool(store, tokens)
	require.NoError(t, p.Load())

	selected, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	_, err = p.GetTokenFor(context.Background(), selected)
	require.Error(t, err)

	after, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.False(t, after.IsInvalid, "a flaky token endpoint must not burn the account")
}

func TestRevokedRefreshTokenInvalidatesAccount(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	acc := account("a@example.com")
	acc.OAuthRefreshToken = "refresh-token|project-1"
	require.NoError(t, store.Save([]*Account{acc}, nil))

	tokens := NewTokenManagerWithRefresh(func(_ context.Context, _ string) (*auth.RefreshResult, error) {
		return nil, fmt.Errorf(`token refresh failed: {"error":"invalid_grant"}`)
	})
	p := NewPool(store, tokens)
	require.NoError(t, p.Load())

	selected, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	_, err = p.GetTokenFor(context.Background(), selected)
	require.Error(t, err)

	after, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.True(t, after.IsInvalid)
}

func TestAddRemoveAccount(t *testing.T) {
	p := newTestPool(t)

	require.NoError(t, p.AddOrUpdate(&Account{Email: "new@example.com", Source: SourceOAuth, Enabled: true}))
	acc, err := p.GetByEmail("new@example.com")
	require.NoError(t, err)
	assert.NotNil(t, acc.Fingerprint, "new accounts get a fingerprint")
	assert.Equal(t, StatusUnknown, acc.Status)

	require.NoError(t, p.Remove("new@example.com"))
	_, err = p.GetByEmail("new@example.com")
	require.Error(t, err)
}
