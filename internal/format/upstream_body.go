package format

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseUpstreamBody parses the raw bytes returned by the upstream generate
// call. The endpoint responds with either a single response object or a JSON
// array of chunk objects; arrays are merged into one response so the rest of
// the conversion pipeline only ever sees a single object.
func ParseUpstreamBody(data []byte) (*GoogleResponse, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty upstream body")
	}
	if trimmed[0] != '[' {
		return ParseGoogleResponse(trimmed)
	}

	var chunks []GoogleResponse
	if err := json.Unmarshal(trimmed, &chunks); err != nil {
		return nil, err
	}
	return mergeChunks(chunks), nil
}

// mergeChunks folds streamed chunks into one response: parts concatenate in
// order, the last non-empty finishReason and usageMetadata win.
func mergeChunks(chunks []GoogleResponse) *GoogleResponse {
	merged := &GoogleResponse{
		Candidates: []Candidate{{Content: &CandidateContent{Role: "model"}}},
	}
	candidate := &merged.Candidates[0]

	for i := range chunks {
		chunk := &chunks[i]
		candidates := chunk.Candidates
		usage := chunk.UsageMetadata
		if chunk.Response != nil {
			candidates = chunk.Response.Candidates
			usage = chunk.Response.UsageMetadata
		}
		if usage != nil {
			merged.UsageMetadata = usage
		}
		if len(candidates) == 0 {
			continue
		}
		first := candidates[0]
		if first.FinishReason != "" {
			candidate.FinishReason = first.FinishReason
		}
		if first.Content != nil {
			candidate.Content.Parts = append(candidate.Content.Parts, first.Content.Parts...)
		}
	}
	return merged
}
