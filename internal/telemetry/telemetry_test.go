package telemetry

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalpine/codeassist-relay/internal/auth"
	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/httpfetch"
	"github.com/mkalpine/codeassist-relay/internal/pool"
)

// recordingFetcher captures every outbound request for assertions.
type recordingFetcher struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	URL     string
	Headers map[string]string
	Body    string
}

func (f *recordingFetcher) Fetch(_ context.Context, url string, opts httpfetch.Options) (*httpfetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	f.requests = append(f.requests, recordedRequest{URL: url, Headers: headers, Body: string(opts.Body)})
	return &httpfetch.Response{StatusCode: 200, Body: []byte("{}")}, nil
}

func (f *recordingFetcher) snapshot() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	store := pool.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	tokens := pool.NewTokenManagerWithRefresh(func(_ context.Context, _ string) (*auth.RefreshResult, error) {
		return &auth.RefreshResult{AccessToken: "mock-token", ExpiresIn: 3600}, nil
	})
	p := pool.NewPool(store, tokens)
	require.NoError(t, p.Load())
	return p
}

// newFastLoop shrinks every delay so a full cycle runs within milliseconds.
// The active session window stays whatever the config says.
func newFastLoop(cfg *config.Config) *Loop {
	l := NewLoop(cfg)
	l.initialDelayMs = 5
	l.intervalMs = 25
	l.intervalJitterMs = 0
	l.minIntervalMs = 5
	l.errorBackoffMs = 5
	l.interAccountMinMs = 0
	l.interAccountMaxMs = 0
	l.interEndpointMinMs = 0
	l.interEndpointMaxMs = 0
	l.randFloat = func() float64 { return 0 } // every endpoint fires
	return l
}

func TestHeartbeatTargetsOnlyActiveAccounts(t *testing.T) {
	p := newTestPool(t)
	now := time.Now().UnixMilli()

	require.NoError(t, p.AddOrUpdate(&pool.Account{
		Email:             "active@example.com",
		Source:            pool.SourceOAuth,
		ProjectID:         "project-active",
		OAuthRefreshToken: "refresh|project-active",
		Enabled:           true,
		LastUsed:          now,
	}))
	require.NoError(t, p.AddOrUpdate(&pool.Account{
		Email:             "stale@example.com",
		Source:            pool.SourceOAuth,
		ProjectID:         "project-stale",
		OAuthRefreshToken: "refresh|project-stale",
		Enabled:           true,
		LastUsed:          now - 24*60*60*1000,
	}))

	fetcher := &recordingFetcher{}
	loop := newFastLoop(nil)
	loop.Initialize(p, fetcher)
	defer loop.Shutdown()

	loop.NotifyActivity()
	time.Sleep(300 * time.Millisecond)

	requests := fetcher.snapshot()
	require.NotEmpty(t, requests, "expected heartbeat traffic for the active account")

	for _, r := range requests {
		assert.NotContains(t, r.Body, "project-stale")
		assert.Contains(t, r.Body, "project-active")
		assert.Contains(t, r.Headers["User-Agent"], "Mozilla")
		assert.Equal(t, "Bearer mock-token", r.Headers["Authorization"])
	}
}

func TestHeartbeatIdleRelayEmitsNothing(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.AddOrUpdate(&pool.Account{
		Email:             "active@example.com",
		Source:            pool.SourceOAuth,
		ProjectID:         "project-active",
		OAuthRefreshToken: "refresh|project-active",
		Enabled:           true,
		LastUsed:          time.Now().UnixMilli(),
	}))

	fetcher := &recordingFetcher{}
	loop := newFastLoop(nil)
	loop.Initialize(p, fetcher)
	defer loop.Shutdown()

	// no NotifyActivity call, the relay is idle
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, fetcher.snapshot())
}

func TestHeartbeatSkipsAccountsWithoutProject(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.AddOrUpdate(&pool.Account{
		Email:             "noproject@example.com",
		Source:            pool.SourceOAuth,
		OAuthRefreshToken: "refresh|",
		Enabled:           true,
		LastUsed:          time.Now().UnixMilli(),
	}))

	fetcher := &recordingFetcher{}
	loop := newFastLoop(nil)
	loop.Initialize(p, fetcher)
	defer loop.Shutdown()

	loop.NotifyActivity()
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, fetcher.snapshot())
}

func TestLoopUsesConfiguredTiming(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TelemetryIntervalMs = 12345
	cfg.TelemetryJitterMs = 678
	cfg.ActiveSessionWindowMs = 90000

	loop := NewLoop(cfg)
	assert.Equal(t, int64(12345), loop.intervalMs)
	assert.Equal(t, int64(678), loop.intervalJitterMs)
	assert.Equal(t, int64(90000), loop.activeWindowMs)
}

func TestHeartbeatHonorsActiveWindowOverride(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.AddOrUpdate(&pool.Account{
		Email:             "recent@example.com",
		Source:            pool.SourceOAuth,
		ProjectID:         "project-recent",
		OAuthRefreshToken: "refresh|project-recent",
		Enabled:           true,
		// a minute old: inside the default window, outside the override
		LastUsed: time.Now().UnixMilli() - 60*1000,
	}))

	cfg := config.DefaultConfig()
	cfg.ActiveSessionWindowMs = 1000

	fetcher := &recordingFetcher{}
	loop := newFastLoop(cfg)
	loop.Initialize(p, fetcher)
	defer loop.Shutdown()

	loop.NotifyActivity()
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, fetcher.snapshot())
}

func TestHeartbeatSessionIDIsStablePerAccount(t *testing.T) {
	loop := NewLoop(nil)
	first := loop.sessionFor("a@example.com")
	second := loop.sessionFor("a@example.com")
	other := loop.sessionFor("b@example.com")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestInteractionEventsMatchActivityRecency(t *testing.T) {
	recent := buildInteractionEvents(time.Now())
	require.NotEmpty(t, recent)
	assert.GreaterOrEqual(t, len(recent), 3)
	assert.LessOrEqual(t, len(recent), 8)
	for _, event := range recent {
		assert.Equal(t, "TYPING", event.EventType)
		assert.Equal(t, "EDITOR_PANE", event.Target)
	}

	idle := buildInteractionEvents(time.Now().Add(-5 * time.Minute))
	require.NotEmpty(t, idle)
	for _, event := range idle {
		assert.Contains(t, []string{"SCROLL", "MOUSE_OVER", "WINDOW_FOCUS", "WINDOW_BLUR"}, event.EventType)
		assert.False(t, strings.Contains(event.EventType, "TYPING"))
	}
}
