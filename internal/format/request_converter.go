package format

import (
	"encoding/json"

	"github.com/mkalpine/codeassist-relay/pkg/anthropic"
)

// ConvertAnthropicToGoogle converts an Anthropic Messages request into the
// Google generateContent shape used by the upstream. Tool-use blocks whose
// thoughtSignature was stripped by the client get it restored from the
// signature cache.
func ConvertAnthropicToGoogle(request *anthropic.MessagesRequest, cache *SignatureCache) map[string]interface{} {
	googleRequest := map[string]interface{}{
		"contents": convertMessages(request.Messages, cache),
	}

	if system := convertSystem(request.System); system != nil {
		googleRequest["systemInstruction"] = system
	}

	if len(request.Tools) > 0 {
		declarations := make([]map[string]interface{}, 0, len(request.Tools))
		for _, tool := range request.Tools {
			declaration := map[string]interface{}{
				"name": tool.Name,
			}
			if tool.Description != "" {
				declaration["description"] = tool.Description
			}
			if len(tool.InputSchema) > 0 {
				var schema map[string]interface{}
				if err := json.Unmarshal(tool.InputSchema, &schema); err == nil {
					declaration["parameters"] = schema
				}
			}
			declarations = append(declarations, declaration)
		}
		googleRequest["tools"] = []map[string]interface{}{
			{"functionDeclarations": declarations},
		}
	}

	generationConfig := map[string]interface{}{}
	if request.MaxTokens > 0 {
		generationConfig["maxOutputTokens"] = request.MaxTokens
	}
	if request.Temperature != nil {
		generationConfig["temperature"] = *request.Temperature
	}
	if request.TopP != nil {
		generationConfig["topP"] = *request.TopP
	}
	if request.TopK != nil {
		generationConfig["topK"] = *request.TopK
	}
	if len(request.StopSequences) > 0 {
		generationConfig["stopSequences"] = request.StopSequences
	}
	if request.Thinking != nil && request.Thinking.Type == "enabled" {
		thinking := map[string]interface{}{"includeThoughts": true}
		if request.Thinking.BudgetTokens > 0 {
			thinking["thinkingBudget"] = request.Thinking.BudgetTokens
		}
		generationConfig["thinkingConfig"] = thinking
	}
	if len(generationConfig) > 0 {
		googleRequest["generationConfig"] = generationConfig
	}

	return googleRequest
}

func convertSystem(system anthropic.SystemContent) map[string]interface{} {
	if system == nil {
		return nil
	}

	var parts []map[string]interface{}
	switch value := system.(type) {
	case string:
		if value != "" {
			parts = append(parts, map[string]interface{}{"text": value})
		}
	case []interface{}:
		for _, item := range value {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok && text != "" {
				parts = append(parts, map[string]interface{}{"text": text})
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return map[string]interface{}{"parts": parts}
}

func convertMessages(messages []anthropic.Message, cache *SignatureCache) []map[string]interface{} {
	contents := make([]map[string]interface{}, 0, len(messages))
	for _, message := range messages {
		role := "user"
		if message.Role == "assistant" {
			role = "model"
		}

		parts := make([]map[string]interface{}, 0, len(message.Content))
		for _, block := range message.Content {
			if part := convertBlock(block, cache); part != nil {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]interface{}{
			"role":  role,
			"parts": parts,
		})
	}
	return contents
}

func convertBlock(block anthropic.ContentBlock, cache *SignatureCache) map[string]interface{} {
	switch block.Type {
	case "text":
		if block.Text == "" {
			return nil
		}
		return map[string]interface{}{"text": block.Text}

	case "thinking":
		part := map[string]interface{}{
			"text":    block.Thinking,
			"thought": true,
		}
		if block.Signature != "" {
			part["thoughtSignature"] = block.Signature
		}
		return part

	case "tool_use":
		var args map[string]interface{}
		if len(block.Input) > 0 {
			_ = json.Unmarshal(block.Input, &args)
		}
		if args == nil {
			args = map[string]interface{}{}
		}
		part := map[string]interface{}{
			"functionCall": map[string]interface{}{
				"name": block.Name,
				"args": args,
				"id":   block.ID,
			},
		}
		signature := block.ThoughtSignature
		if signature == "" && cache != nil {
			signature = cache.GetCachedSignature(block.ID)
		}
		if signature != "" {
			part["thoughtSignature"] = signature
		}
		return part

	case "tool_result":
		return map[string]interface{}{
			"functionResponse": map[string]interface{}{
				"name": block.ToolUseID,
				"id":   block.ToolUseID,
				"response": map[string]interface{}{
					"output": flattenToolResult(block.Content),
				},
			},
		}

	case "image":
		if block.Source == nil {
			return nil
		}
		return map[string]interface{}{
			"inlineData": map[string]interface{}{
				"mimeType": block.Source.MediaType,
				"data":     block.Source.Data,
			},
		}
	}
	return nil
}

// flattenToolResult reduces a tool result (string or block list) to text.
func flattenToolResult(content any) string {
	switch value := content.(type) {
	case string:
		return value
	case []interface{}:
		var out string
		for _, item := range value {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				out += text
			}
		}
		return out
	}
	return ""
}
