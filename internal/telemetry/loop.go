package telemetry

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/httpfetch"
	"github.com/mkalpine/codeassist-relay/internal/pool"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// endpointProbe is one heartbeat endpoint and its emission probability.
type endpointProbe struct {
	path        string
	probability float64
}

// heartbeatProbes lists the endpoints a real client hits between requests,
// weighted roughly by how often the desktop app calls each one.
var heartbeatProbes = []endpointProbe{
	{config.PathFetchUserInfo, 0.9},
	{config.PathListExperiments, 0.5},
	{config.PathRecordTrajectoryAnalytics, 0.3},
	{config.PathRecordCodeAssistMetrics, 0.2},
}

// Loop emits periodic heartbeat traffic for recently used accounts so the
// usage pattern seen upstream matches an attended IDE session.
type Loop struct {
	mu           sync.Mutex
	pool         *pool.Pool
	fetcher      httpfetch.Fetcher
	sessions     map[string]string // email -> stable session id
	lastActivity time.Time
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}

	// Timing knobs, overridable in tests.
	initialDelayMs     int64
	intervalMs         int64
	intervalJitterMs   int64
	activeWindowMs     int64
	minIntervalMs      int64
	errorBackoffMs     int64
	interAccountMinMs  int64
	interAccountMaxMs  int64
	interEndpointMinMs int64
	interEndpointMaxMs int64
	randFloat          func() float64
}

// NewLoop creates a heartbeat loop with the interval, jitter, and active
// session window taken from the resolved config. A nil config falls back to
// the package defaults.
func NewLoop(cfg *config.Config) *Loop {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Loop{
		sessions:           make(map[string]string),
		initialDelayMs:     config.TelemetryInitialDelayMs,
		intervalMs:         int64(cfg.TelemetryIntervalMs),
		intervalJitterMs:   int64(cfg.TelemetryJitterMs),
		activeWindowMs:     int64(cfg.ActiveSessionWindowMs),
		minIntervalMs:      config.TelemetryMinIntervalMs,
		errorBackoffMs:     config.TelemetryErrorBackoffMs,
		interAccountMinMs:  2000,
		interAccountMaxMs:  5000,
		interEndpointMinMs: 500,
		interEndpointMaxMs: 2000,
		randFloat:          rand.Float64,
	}
}

// Initialize wires the loop to the account pool and starts it. The loop
// registers itself as the pool's activity notifier so real requests reset
// the idle window.
func (l *Loop) Initialize(p *pool.Pool, fetcher httpfetch.Fetcher) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.pool = p
	l.fetcher = fetcher
	l.running = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	p.SetActivityNotifier(l.NotifyActivity)
	go l.run(ctx)
	utils.Info("[Telemetry] Heartbeat loop started")
}

// Shutdown stops the loop and waits for the worker to exit.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done
	utils.Info("[Telemetry] Heartbeat loop stopped")
}

// NotifyActivity records that a real request just went through.
func (l *Loop) NotifyActivity() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	if err := utils.SleepWithContext(ctx, time.Duration(l.initialDelayMs)*time.Millisecond); err != nil {
		return
	}

	for {
		if err := l.emitCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			utils.Warn("[Telemetry] Heartbeat cycle failed: %v", err)
			if utils.SleepWithContext(ctx, time.Duration(l.errorBackoffMs)*time.Millisecond) != nil {
				return
			}
			continue
		}

		interval := l.intervalMs + utils.RandomBetweenMs(-l.intervalJitterMs, l.intervalJitterMs).Milliseconds()
		if interval < l.minIntervalMs {
			interval = l.minIntervalMs
		}
		if utils.SleepWithContext(ctx, time.Duration(interval)*time.Millisecond) != nil {
			return
		}
	}
}

// emitCycle sends one round of heartbeats for every active account. An idle
// relay emits nothing.
func (l *Loop) emitCycle(ctx context.Context) error {
	l.mu.Lock()
	lastActivity := l.lastActivity
	l.mu.Unlock()

	if lastActivity.IsZero() || time.Since(lastActivity) >= time.Duration(l.activeWindowMs)*time.Millisecond {
		return nil
	}

	active := l.activeAccounts()
	if len(active) == 0 {
		return nil
	}

	for i, acc := range active {
		if i > 0 {
			gap := utils.RandomBetweenMs(l.interAccountMinMs, l.interAccountMaxMs)
			if err := utils.SleepWithContext(ctx, gap); err != nil {
				return err
			}
		}
		l.emitForAccount(ctx, acc, lastActivity)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// activeAccounts returns usable accounts with a real request inside the
// active session window.
func (l *Loop) activeAccounts() []*pool.Account {
	now := time.Now().UnixMilli()
	var active []*pool.Account
	for _, acc := range l.pool.Accounts() {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if acc.LastUsed == 0 || now-acc.LastUsed >= l.activeWindowMs {
			continue
		}
		active = append(active, acc)
	}
	return active
}

// emitForAccount rolls each endpoint's probability independently and sends
// whichever heartbeats come up. Failures are logged at debug level only;
// heartbeat traffic must never disturb account health.
func (l *Loop) emitForAccount(ctx context.Context, acc *pool.Account, lastActivity time.Time) {
	project := acc.EffectiveProjectID()
	if project == "" {
		return
	}

	token, err := l.pool.GetTokenFor(ctx, acc)
	if err != nil {
		utils.Debug("[Telemetry] Token unavailable for %s: %v", acc.Email, err)
		return
	}

	headers := l.pool.BuildHeaders(acc)
	headers["Authorization"] = "Bearer " + token
	headers["Content-Type"] = "application/json"

	sessionID := l.sessionFor(acc.Email)

	sent := 0
	for _, probe := range heartbeatProbes {
		if l.randFloat() >= probe.probability {
			continue
		}
		if sent > 0 {
			gap := utils.RandomBetweenMs(l.interEndpointMinMs, l.interEndpointMaxMs)
			if utils.SleepWithContext(ctx, gap) != nil {
				return
			}
		}
		l.sendProbe(ctx, probe.path, project, sessionID, lastActivity, headers)
		sent++
	}
}

// sessionFor returns the stable per-account session id, creating it on
// first use so all heartbeats for an account correlate upstream.
func (l *Loop) sessionFor(email string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.sessions[email]; ok {
		return id
	}
	id := uuid.NewString()
	l.sessions[email] = id
	return id
}

func (l *Loop) sendProbe(ctx context.Context, path, project, sessionID string, lastActivity time.Time, headers map[string]string) {
	var body map[string]interface{}
	switch path {
	case config.PathFetchUserInfo:
		body = map[string]interface{}{"project": project}
	case config.PathListExperiments:
		body = map[string]interface{}{
			"project": project,
			"parent":  "projects/" + project,
		}
	case config.PathRecordTrajectoryAnalytics:
		body = buildTrajectoryBody(project, sessionID, lastActivity)
	case config.PathRecordCodeAssistMetrics:
		body = buildCodeAssistBody(project, sessionID)
	default:
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		utils.Debug("[Telemetry] Failed to encode %s body: %v", path, err)
		return
	}

	url := config.FormatEndpointURL(config.CodeAssistEndpointDaily, path)
	resp, err := l.fetcher.Fetch(ctx, url, httpfetch.Options{
		Method:  "POST",
		Headers: headers,
		Body:    payload,
	})
	if err != nil {
		utils.Debug("[Telemetry] %s failed: %v", path, err)
		return
	}
	if !resp.IsSuccess() {
		utils.Debug("[Telemetry] %s returned %d", path, resp.StatusCode)
	}
}
