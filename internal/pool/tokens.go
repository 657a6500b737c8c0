package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mkalpine/codeassist-relay/internal/auth"
	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// RefreshFunc performs one OAuth refresh. Swapped out in tests.
type RefreshFunc func(ctx context.Context, compositeRefresh string) (*auth.RefreshResult, error)

type tokenEntry struct {
	accessToken string
	expiresAt   int64 // epoch ms
}

// TokenManager caches access tokens per account and coalesces concurrent
// refreshes for the same email into a single upstream call.
type TokenManager struct {
	mu      sync.Mutex
	cache   map[string]*tokenEntry
	group   singleflight.Group
	refresh RefreshFunc
}

// NewTokenManager creates a token manager backed by the real OAuth refresh.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		cache:   make(map[string]*tokenEntry),
		refresh: auth.RefreshAccessToken,
	}
}

// NewTokenManagerWithRefresh creates a token manager with a custom refresh
// function, used by tests.
func NewTokenManagerWithRefresh(refresh RefreshFunc) *TokenManager {
	return &TokenManager{
		cache:   make(map[string]*tokenEntry),
		refresh: refresh,
	}
}

// GetToken returns a valid access token for the account. Cached tokens are
// reused while now < expiresAt minus the skew; otherwise one refresh runs no
// matter how many callers arrive concurrently.
func (tm *TokenManager) GetToken(ctx context.Context, acc *Account) (string, error) {
	if acc.OAuthRefreshToken == "" {
		if acc.APIKey != "" {
			return acc.APIKey, nil
		}
		return "", fmt.Errorf("account %s has no credentials", acc.Email)
	}

	if token, ok := tm.cachedToken(acc.Email); ok {
		return token, nil
	}

	value, err, _ := tm.group.Do(acc.Email, func() (interface{}, error) {
		// a racing caller may have refreshed while we waited for the flight
		if token, ok := tm.cachedToken(acc.Email); ok {
			return token, nil
		}

		result, err := tm.refresh(ctx, acc.OAuthRefreshToken)
		if err != nil {
			return nil, err
		}

		ttlMs := int64(result.ExpiresIn) * 1000
		if ttlMs <= 0 {
			ttlMs = config.DefaultTokenTTLMs
		}

		tm.mu.Lock()
		tm.cache[acc.Email] = &tokenEntry{
			accessToken: result.AccessToken,
			expiresAt:   time.Now().UnixMilli() + ttlMs,
		}
		tm.mu.Unlock()

		utils.Debug("[Tokens] Refreshed access token for %s (ttl %ds)", acc.Email, result.ExpiresIn)
		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (tm *TokenManager) cachedToken(email string) (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	entry, ok := tm.cache[email]
	if !ok {
		return "", false
	}
	if time.Now().UnixMilli() >= entry.expiresAt-config.TokenExpirySkewMs {
		return "", false
	}
	return entry.accessToken, true
}

// ClearCache drops every cached token.
func (tm *TokenManager) ClearCache() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.cache = make(map[string]*tokenEntry)
}

// ClearCacheFor drops the cached token for one account.
func (tm *TokenManager) ClearCacheFor(email string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.cache, email)
}
