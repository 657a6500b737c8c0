package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalpine/codeassist-relay/internal/auth"
	"github.com/mkalpine/codeassist-relay/internal/format"
	"github.com/mkalpine/codeassist-relay/internal/httpfetch"
	"github.com/mkalpine/codeassist-relay/internal/modules"
	"github.com/mkalpine/codeassist-relay/internal/pool"
	"github.com/mkalpine/codeassist-relay/internal/shaper"
	"github.com/mkalpine/codeassist-relay/pkg/anthropic"
)

// stubFetcher serves canned upstream responses and records requests.
type stubFetcher struct {
	status   int
	body     []byte
	requests []httpfetch.Options
	urls     []string
}

func (f *stubFetcher) Fetch(_ context.Context, url string, opts httpfetch.Options) (*httpfetch.Response, error) {
	f.requests = append(f.requests, opts)
	f.urls = append(f.urls, url)
	return &httpfetch.Response{StatusCode: f.status, Body: f.body}, nil
}

func newHandlerPool(t *testing.T, accounts ...*pool.Account) *pool.Pool {
	t.Helper()
	store := pool.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	tokens := pool.NewTokenManagerWithRefresh(func(_ context.Context, _ string) (*auth.RefreshResult, error) {
		return &auth.RefreshResult{AccessToken: "test-token", ExpiresIn: 3600}, nil
	})
	p := pool.NewPool(store, tokens)
	require.NoError(t, p.Load())
	for _, acc := range accounts {
		require.NoError(t, p.AddOrUpdate(acc))
	}
	return p
}

func newTestRouter(t *testing.T, p *pool.Pool, fetcher httpfetch.Fetcher) (*gin.Engine, *modules.UsageStats) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sh := shaper.New(0, 0)
	t.Cleanup(sh.Close)
	usage := modules.NewUsageStats(filepath.Join(t.TempDir(), "usage.json"))
	relay := NewRelay(p, sh, fetcher, format.NewSignatureCache(nil), usage)

	handler := NewMessagesHandler(relay)
	engine := gin.New()
	engine.POST("/v1/messages", handler.Messages)
	engine.POST("/v1beta/models/*modelAction", handler.GenerateContent)
	return engine, usage
}

func testAccount(email string) *pool.Account {
	return &pool.Account{
		Email:             email,
		Source:            pool.SourceOAuth,
		ProjectID:         "project-1",
		OAuthRefreshToken: "refresh|project-1",
		Enabled:           true,
		Status:            pool.StatusOK,
	}
}

func upstreamBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"response": map[string]interface{}{
			"candidates": []map[string]interface{}{{
				"content": map[string]interface{}{
					"role":  "model",
					"parts": []map[string]interface{}{{"text": "hello back"}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]interface{}{
				"promptTokenCount":     100,
				"candidatesTokenCount": 20,
			},
		},
	})
	require.NoError(t, err)
	return body
}

func postJSON(engine *gin.Engine, path string, payload interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestMessagesHappyPath(t *testing.T) {
	fetcher := &stubFetcher{status: 200, body: upstreamBody(t)}
	p := newHandlerPool(t, testAccount("a@example.com"))
	engine, usage := newTestRouter(t, p, fetcher)

	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})

	require.Equal(t, http.StatusOK, w.Code)

	var response anthropic.MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "assistant", response.Role)
	require.NotEmpty(t, response.Content)
	assert.Equal(t, "hello back", response.Content[0].Text)
	assert.Equal(t, 100, response.Usage.InputTokens)
	assert.Equal(t, 20, response.Usage.OutputTokens)

	// one upstream call carrying the fingerprint and auth headers
	require.Len(t, fetcher.requests, 1)
	headers := fetcher.requests[0].Headers
	assert.Equal(t, "Bearer test-token", headers["Authorization"])
	assert.Contains(t, headers["User-Agent"], "Mozilla/5.0")
	assert.Contains(t, fetcher.urls[0], ":streamGenerateContent")

	// the envelope wraps the converted request
	var payload format.CloudCodePayload
	require.NoError(t, json.Unmarshal(fetcher.requests[0].Body, &payload))
	assert.Equal(t, "project-1", payload.Project)
	assert.Equal(t, "claude-sonnet-4", payload.Model)
	assert.Equal(t, "antigravity", payload.UserAgent)

	assert.Equal(t, 1, usage.CurrentBucket().Total)
}

func TestMessagesNoAccountsReturns503(t *testing.T) {
	fetcher := &stubFetcher{status: 200, body: upstreamBody(t)}
	p := newHandlerPool(t) // empty pool
	engine, _ := newTestRouter(t, p, fetcher)

	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error": "no-account-available"}`, w.Body.String())
	assert.Empty(t, fetcher.requests)
}

func TestMessagesRateLimitMarksAccount(t *testing.T) {
	fetcher := &stubFetcher{status: 429, body: []byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`)}
	p := newHandlerPool(t, testAccount("a@example.com"))
	engine, _ := newTestRouter(t, p, fetcher)

	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	acc, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, pool.StatusLimited, acc.Status)
	assert.False(t, acc.IsInvalid, "rate limiting must not invalidate the account")
}

func TestMessagesForbiddenKeepsAccountValid(t *testing.T) {
	fetcher := &stubFetcher{status: 403, body: []byte(`{"error":{"status":"PERMISSION_DENIED"}}`)}
	p := newHandlerPool(t, testAccount("a@example.com"))
	engine, _ := newTestRouter(t, p, fetcher)

	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})

	assert.Equal(t, http.StatusForbidden, w.Code)

	acc, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.False(t, acc.IsInvalid, "a 403 is request scoped and must not invalidate the account")
}

func TestMessagesUnauthorizedInvalidatesAccount(t *testing.T) {
	fetcher := &stubFetcher{status: 401, body: []byte(`{"error":{"status":"UNAUTHENTICATED"}}`)}
	p := newHandlerPool(t, testAccount("a@example.com"))
	engine, _ := newTestRouter(t, p, fetcher)

	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	acc, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.True(t, acc.IsInvalid)
}

func TestMessagesRejectsEmptyMessages(t *testing.T) {
	fetcher := &stubFetcher{status: 200, body: upstreamBody(t)}
	engine, _ := newTestRouter(t, newHandlerPool(t, testAccount("a@example.com")), fetcher)

	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fetcher.requests)
}

func TestGenerateContentGeminiDialect(t *testing.T) {
	fetcher := &stubFetcher{status: 200, body: upstreamBody(t)}
	p := newHandlerPool(t, testAccount("a@example.com"))
	engine, _ := newTestRouter(t, p, fetcher)

	w := postJSON(engine, "/v1beta/models/gemini-3-pro:generateContent", map[string]interface{}{
		"contents": []map[string]interface{}{{
			"role":  "user",
			"parts": []map[string]interface{}{{"text": "hello"}},
		}},
	})

	require.Equal(t, http.StatusOK, w.Code)

	var response format.GoogleResponseInner
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.NotEmpty(t, response.Candidates)
	assert.Equal(t, "hello back", response.Candidates[0].Content.Parts[0].Text)

	var payload format.CloudCodePayload
	require.NoError(t, json.Unmarshal(fetcher.requests[0].Body, &payload))
	assert.Equal(t, "gemini-3-pro", payload.Model)
	assert.NotEmpty(t, payload.Request["sessionId"])
}

func TestGenerateContentBadModelPath(t *testing.T) {
	fetcher := &stubFetcher{status: 200, body: upstreamBody(t)}
	engine, _ := newTestRouter(t, newHandlerPool(t), fetcher)

	w := postJSON(engine, "/v1beta/models/not-an-action", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpstreamChunkArrayIsAggregated(t *testing.T) {
	chunks := `[
		{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello "}]}}]}},
		{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"world"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":2}}}
	]`
	fetcher := &stubFetcher{status: 200, body: []byte(chunks)}
	p := newHandlerPool(t, testAccount("a@example.com"))
	engine, _ := newTestRouter(t, p, fetcher)

	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	})

	require.Equal(t, http.StatusOK, w.Code)

	var response anthropic.MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))

	text := ""
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	assert.Equal(t, "hello world", text)
	assert.Equal(t, 10, response.Usage.InputTokens)
}

func TestSelectionUpdatesLastUsed(t *testing.T) {
	fetcher := &stubFetcher{status: 200, body: upstreamBody(t)}
	p := newHandlerPool(t, testAccount("a@example.com"))
	engine, _ := newTestRouter(t, p, fetcher)

	before := time.Now().UnixMilli()
	w := postJSON(engine, "/v1/messages", anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	acc, err := p.GetByEmail("a@example.com")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acc.LastUsed, before)
	assert.True(t, strings.HasPrefix(acc.Email, "a@"))
}
