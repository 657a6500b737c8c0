package format

import (
	"github.com/google/uuid"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/pkg/anthropic"
)

// CloudCodePayload is the envelope the CodeAssist generate endpoint expects
// around a Google-shaped request.
type CloudCodePayload struct {
	Project     string                 `json:"project"`
	Model       string                 `json:"model"`
	Request     map[string]interface{} `json:"request"`
	UserAgent   string                 `json:"userAgent"`
	RequestType string                 `json:"requestType"`
	RequestID   string                 `json:"requestId"`
}

// BuildCloudCodeRequest wraps an Anthropic request into the CodeAssist
// envelope for the given project.
func BuildCloudCodeRequest(request *anthropic.MessagesRequest, projectID string, cache *SignatureCache) *CloudCodePayload {
	googleRequest := ConvertAnthropicToGoogle(request, cache)
	googleRequest["sessionId"] = uuid.NewString()

	return &CloudCodePayload{
		Project:     projectID,
		Model:       request.Model,
		Request:     googleRequest,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.NewString(),
	}
}

// BuildAuthHeaders builds the per-request auth and content headers layered on
// top of the account fingerprint headers.
func BuildAuthHeaders(token, model string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	if config.GetModelFamily(model) == config.ModelFamilyClaude {
		headers["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}
	return headers
}
