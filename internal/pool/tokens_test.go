package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalpine/codeassist-relay/internal/auth"
)

func TestGetTokenSingleflight(t *testing.T) {
	var refreshes atomic.Int32
	tm := NewTokenManagerWithRefresh(func(ctx context.Context, refresh string) (*auth.RefreshResult, error) {
		refreshes.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		return &auth.RefreshResult{AccessToken: "token-1", ExpiresIn: 3600}, nil
	})

	acc := &Account{Email: "a@example.com", OAuthRefreshToken: "refresh|project"}

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := tm.GetToken(context.Background(), acc)
			require.NoError(t, err)
			tokens[i] = token
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshes.Load(), "concurrent callers share one refresh")
	for _, token := range tokens {
		assert.Equal(t, "token-1", token)
	}
}

func TestGetTokenUsesCacheUntilSkew(t *testing.T) {
	var refreshes atomic.Int32
	tm := NewTokenManagerWithRefresh(func(ctx context.Context, refresh string) (*auth.RefreshResult, error) {
		n := refreshes.Add(1)
		return &auth.RefreshResult{AccessToken: fmt.Sprintf("token-%d", n), ExpiresIn: 3600}, nil
	})

	acc := &Account{Email: "a@example.com", OAuthRefreshToken: "refresh"}

	token, err := tm.GetToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	token, err = tm.GetToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token, "second call hits the cache")
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestGetTokenExpiredEntryRefreshes(t *testing.T) {
	var refreshes atomic.Int32
	tm := NewTokenManagerWithRefresh(func(ctx context.Context, refresh string) (*auth.RefreshResult, error) {
		n := refreshes.Add(1)
		// 30s ttl is inside the 60s validity skew, so the cache entry is
		// immediately stale
		return &auth.RefreshResult{AccessToken: fmt.Sprintf("token-%d", n), ExpiresIn: 30}, nil
	})

	acc := &Account{Email: "a@example.com", OAuthRefreshToken: "refresh"}

	_, err := tm.GetToken(context.Background(), acc)
	require.NoError(t, err)
	_, err = tm.GetToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), refreshes.Load())
}

func TestGetTokenFallsBackToAPIKey(t *testing.T) {
	tm := NewTokenManagerWithRefresh(func(ctx context.Context, refresh string) (*auth.RefreshResult, error) {
		t.Fatal("refresh must not be called for api-key accounts")
		return nil, nil
	})

	acc := &Account{Email: "a@example.com", APIKey: "sk-local"}
	token, err := tm.GetToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "sk-local", token)
}

func TestGetTokenNoCredentials(t *testing.T) {
	tm := NewTokenManager()
	_, err := tm.GetToken(context.Background(), &Account{Email: "a@example.com"})
	require.Error(t, err)
}

func TestClearCacheFor(t *testing.T) {
	var refreshes atomic.Int32
	tm := NewTokenManagerWithRefresh(func(ctx context.Context, refresh string) (*auth.RefreshResult, error) {
		refreshes.Add(1)
		return &auth.RefreshResult{AccessToken: "token", ExpiresIn: 3600}, nil
	})

	acc := &Account{Email: "a@example.com", OAuthRefreshToken: "refresh"}
	_, err := tm.GetToken(context.Background(), acc)
	require.NoError(t, err)

	tm.ClearCacheFor("a@example.com")
	_, err = tm.GetToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), refreshes.Load())
}
