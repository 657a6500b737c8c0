package format

import (
	"encoding/json"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/pkg/anthropic"
)

// GoogleResponse represents a response from the upstream generate call.
// Responses sometimes arrive wrapped in a {response: ...} envelope.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner represents the inner response object
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate represents a response candidate
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent represents the content of a candidate
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart represents a part in the response
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall represents a function call in the response
type ResponseFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// InlineData carries base64 image content
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// UsageMetadata represents usage metadata
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// ParseGoogleResponse parses raw upstream bytes into a GoogleResponse.
func ParseGoogleResponse(data []byte) (*GoogleResponse, error) {
	var response GoogleResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ConvertGoogleToAnthropic converts an upstream response into the Anthropic
// Messages API shape. The conversion is total: any input with a candidates
// array, including an empty one, yields a well-formed envelope with at least
// one content block.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model string, cache *SignatureCache) *anthropic.MessagesResponse {
	var candidates []Candidate
	var usageMetadata *UsageMetadata

	if googleResponse.Response != nil {
		candidates = googleResponse.Response.Candidates
		usageMetadata = googleResponse.Response.UsageMetadata
	} else {
		candidates = googleResponse.Candidates
		usageMetadata = googleResponse.UsageMetadata
	}

	var firstCandidate Candidate
	if len(candidates) > 0 {
		firstCandidate = candidates[0]
	}

	var parts []ResponsePart
	if firstCandidate.Content != nil {
		parts = firstCandidate.Content.Parts
	}

	content := make([]anthropic.ContentBlock, 0)
	hasToolCalls := false

	for _, part := range parts {
		switch {
		case part.Thought:
			signature := part.ThoughtSignature
			if cache != nil && len(signature) >= config.MinSignatureLength {
				cache.CacheThinkingSignature(signature, string(config.GetModelFamily(model)))
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: signature,
			})

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			var inputJSON json.RawMessage
			if part.FunctionCall.Args != nil {
				inputJSON, _ = json.Marshal(part.FunctionCall.Args)
			} else {
				inputJSON = json.RawMessage("{}")
			}

			block := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: inputJSON,
			}
			// part-level signature rides along on the tool_use block;
			// clients ignore unknown keys
			if part.ThoughtSignature != "" {
				block.ThoughtSignature = part.ThoughtSignature
				if cache != nil && len(part.ThoughtSignature) >= config.MinSignatureLength {
					cache.CacheSignature(toolID, part.ThoughtSignature)
				}
			}

			content = append(content, block)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{
				Type: "text",
				Text: part.Text,
			})
		}
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	stopReason := "end_turn"
	switch firstCandidate.FinishReason {
	case "MAX_TOKENS":
		stopReason = "max_tokens"
	case "TOOL_USE":
		stopReason = "tool_use"
	}
	if hasToolCalls {
		stopReason = "tool_use"
	}

	var promptTokens, cachedTokens, outputTokens int
	if usageMetadata != nil {
		promptTokens = usageMetadata.PromptTokenCount
		cachedTokens = usageMetadata.CachedContentTokenCount
		outputTokens = usageMetadata.CandidatesTokenCount
	}
	inputTokens := promptTokens - cachedTokens
	if inputTokens < 0 {
		inputTokens = 0
	}

	return &anthropic.MessagesResponse{
		ID:           anthropic.GenerateMessageID(),
		Type:         "message",
		Role:         "assistant",
		Content:      content,
		Model:        model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: &anthropic.Usage{
			InputTokens:          inputTokens,
			OutputTokens:         outputTokens,
			CacheReadInputTokens: cachedTokens,
		},
	}
}
