// Package handlers provides the HTTP request handlers and the forwarding
// pipeline behind them.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/errors"
	"github.com/mkalpine/codeassist-relay/internal/format"
	"github.com/mkalpine/codeassist-relay/internal/httpfetch"
	"github.com/mkalpine/codeassist-relay/internal/modules"
	"github.com/mkalpine/codeassist-relay/internal/pool"
	"github.com/mkalpine/codeassist-relay/internal/shaper"
	"github.com/mkalpine/codeassist-relay/internal/utils"
	"github.com/mkalpine/codeassist-relay/pkg/anthropic"
)

// Relay is the forwarding pipeline: account selection, header assembly,
// shaped upstream fetch with endpoint fallback, and health signal recording.
type Relay struct {
	pool    *pool.Pool
	shaper  *shaper.Shaper
	fetcher httpfetch.Fetcher
	cache   *format.SignatureCache
	usage   *modules.UsageStats
}

// NewRelay creates the forwarding pipeline.
func NewRelay(p *pool.Pool, s *shaper.Shaper, fetcher httpfetch.Fetcher, cache *format.SignatureCache, usage *modules.UsageStats) *Relay {
	return &Relay{
		pool:    p,
		shaper:  s,
		fetcher: fetcher,
		cache:   cache,
		usage:   usage,
	}
}

// SendMessage forwards an Anthropic request and converts the response back.
func (r *Relay) SendMessage(ctx context.Context, request *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	acc, err := r.pool.SelectAccount(request.Model)
	if err != nil {
		return nil, err
	}

	payload := format.BuildCloudCodeRequest(request, acc.EffectiveProjectID(), r.cache)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithContext(err, "encode upstream payload")
	}

	raw, err := r.dispatch(ctx, acc, request.Model, body)
	if err != nil {
		return nil, err
	}

	googleResponse, err := format.ParseUpstreamBody(raw)
	if err != nil {
		return nil, errors.WithContext(err, "parse upstream response")
	}

	if r.usage != nil {
		r.usage.Track(request.Model)
	}
	return format.ConvertGoogleToAnthropic(googleResponse, request.Model, r.cache), nil
}

// SendRaw forwards a Google-style request body unchanged through the same
// pipeline and returns the unwrapped upstream response bytes.
func (r *Relay) SendRaw(ctx context.Context, model string, googleRequest map[string]interface{}) ([]byte, error) {
	acc, err := r.pool.SelectAccount(model)
	if err != nil {
		return nil, err
	}

	if googleRequest["sessionId"] == nil {
		googleRequest["sessionId"] = uuid.NewString()
	}
	payload := &format.CloudCodePayload{
		Project:     acc.EffectiveProjectID(),
		Model:       model,
		Request:     googleRequest,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.NewString(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithContext(err, "encode upstream payload")
	}

	raw, err := r.dispatch(ctx, acc, model, body)
	if err != nil {
		return nil, err
	}

	googleResponse, err := format.ParseUpstreamBody(raw)
	if err != nil {
		return nil, errors.WithContext(err, "parse upstream response")
	}
	if r.usage != nil {
		r.usage.Track(model)
	}

	if googleResponse.Response != nil {
		return json.Marshal(googleResponse.Response)
	}
	return json.Marshal(googleResponse)
}

// dispatch runs one shaped upstream call, walking the endpoint fallback
// chain, and records the account health signal for the outcome.
func (r *Relay) dispatch(ctx context.Context, acc *pool.Account, model string, body []byte) ([]byte, error) {
	token, err := r.pool.GetTokenFor(ctx, acc)
	if err != nil {
		return nil, err
	}

	headers := r.pool.BuildHeaders(acc)
	for key, value := range format.BuildAuthHeaders(token, model) {
		headers[key] = value
	}

	result, err := r.shaper.Enqueue(func() (interface{}, error) {
		return r.fetchWithFallback(ctx, headers, body)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*httpfetch.Response)

	switch {
	case resp.IsSuccess():
		r.pool.RecordSuccess(acc.Email, model)
		return resp.Body, nil

	case resp.StatusCode == 429:
		r.pool.RecordRateLimited(acc.Email, model)
		return nil, errors.NewRateLimitError("Upstream rate limited", acc.Email, model)

	case resp.StatusCode == 401:
		r.pool.RecordUnauthorized(acc.Email, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		return nil, errors.NewAuthError("Upstream rejected credentials", acc.Email, fmt.Sprintf("http %d", resp.StatusCode))

	case resp.StatusCode >= 500:
		r.pool.RecordServerError(acc.Email)
		return nil, errors.NewApiError(truncateBody(resp.Body), resp.StatusCode, "api_error")

	default:
		// 403s are request scoped (PERMISSION_DENIED on a project or model),
		// so they land here with the other client errors instead of
		// invalidating the account.
		return nil, errors.NewApiError(truncateBody(resp.Body), resp.StatusCode, "invalid_request_error")
	}
}

// fetchWithFallback tries each configured endpoint in order. A transport
// error or 5xx moves on to the next endpoint; anything else is final.
func (r *Relay) fetchWithFallback(ctx context.Context, headers map[string]string, body []byte) (*httpfetch.Response, error) {
	var lastResp *httpfetch.Response
	var lastErr error

	for _, base := range config.CodeAssistEndpointFallbacks {
		url := config.FormatEndpointURL(base, config.PathGenerateContent)
		resp, err := r.fetcher.Fetch(ctx, url, httpfetch.Options{
			Method:  "POST",
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			utils.Warn("[Relay] %s failed: %v", base, err)
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			utils.Warn("[Relay] %s returned %d, trying next endpoint", base, resp.StatusCode)
			lastResp = resp
			continue
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
