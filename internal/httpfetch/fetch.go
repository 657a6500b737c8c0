// Package httpfetch provides the throttled, browser-mimicking HTTP client
// every outbound CodeAssist call goes through.
package httpfetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/imroc/req/v3"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/errors"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// Options describes one outbound request.
type Options struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is the result of a fetch. HTTP error statuses are returned here,
// not raised, so callers can inspect them.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports whether the status code is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher is the outbound HTTP abstraction. The telemetry loop and tests
// substitute their own implementations.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts Options) (*Response, error)
}

// retryableStatuses are retried with backoff. 429 is deliberately absent so
// the pool can rotate accounts instead.
var retryableStatuses = map[int]bool{
	500: true,
	502: true,
	503: true,
	504: true,
}

// ThrottledFetcher issues requests through a Chrome-impersonating TLS client,
// applies a jittered pre-call delay, and retries transient failures with
// exponential backoff.
type ThrottledFetcher struct {
	client *req.Client
	cfg    *config.Config

	// overridable in tests to keep retry paths fast
	maxRetries     int
	backoffBaseMs  int64
	backoffFloorMs int64
}

// NewThrottledFetcher creates a fetcher using the provided runtime config.
func NewThrottledFetcher(cfg *config.Config) *ThrottledFetcher {
	client := req.C().
		SetTimeout(120 * time.Second).
		ImpersonateChrome().
		SetCookieJar(nil)
	return &ThrottledFetcher{
		client:         client,
		cfg:            cfg,
		maxRetries:     config.MaxFetchRetries,
		backoffBaseMs:  config.RetryBackoffBaseMs,
		backoffFloorMs: config.RetryBackoffFloorMs,
	}
}

// Fetch performs the request with pre-call throttling and bounded retries.
// It retries on 5xx statuses in the retryable set and on network errors,
// never on 429. The final response is returned even when its status is an
// HTTP error.
func (f *ThrottledFetcher) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	if f.cfg.ThrottlingEnabled {
		delay := utils.JitteredDelayMs(int64(f.cfg.RequestDelayMs), 0.4)
		if err := utils.SleepWithContext(ctx, time.Duration(delay)*time.Millisecond); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.backoffMs(attempt - 1)
			utils.Debug("[Fetch] Retry %d/%d for %s after %dms", attempt, f.maxRetries, url, backoff)
			if err := utils.SleepWithContext(ctx, time.Duration(backoff)*time.Millisecond); err != nil {
				return nil, err
			}
		}

		resp, err := f.doRequest(ctx, url, opts)
		if err != nil {
			lastErr = err
			if utils.IsNetworkError(err) {
				continue
			}
			return nil, err
		}

		if retryableStatuses[resp.StatusCode] {
			lastErr = errors.NewApiError(
				fmt.Sprintf("Upstream returned %d", resp.StatusCode),
				resp.StatusCode, "server_error")
			if attempt == f.maxRetries {
				// out of budget, hand the response back as-is
				return resp, nil
			}
			continue
		}

		return resp, nil
	}
	return nil, lastErr
}

func (f *ThrottledFetcher) doRequest(ctx context.Context, url string, opts Options) (*Response, error) {
	r := f.client.R().SetContext(ctx)
	if len(opts.Headers) > 0 {
		r.SetHeaders(opts.Headers)
	}
	if len(opts.Body) > 0 {
		r.SetBodyBytes(opts.Body)
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := r.Send(method, url)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Bytes(),
	}, nil
}

// backoffMs computes max(floor, base*2^attempt + N(0, base*2^attempt*0.5/4)).
func (f *ThrottledFetcher) backoffMs(attempt int) int64 {
	base := float64(f.backoffBaseMs * (1 << attempt))
	jittered := utils.GaussianJitter(base, base*0.5/4)
	if jittered < float64(f.backoffFloorMs) {
		return f.backoffFloorMs
	}
	return int64(jittered)
}
