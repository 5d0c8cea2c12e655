package adapters

import (
	"fmt"
	"strings"
	"time"
)

// anthropicAdapter converts between OpenAI chat format and the Anthropic
// Messages API.
type anthropicAdapter struct{}

const anthropicVersion = "2023-06-01"

func (anthropicAdapter) TransformRequest(body map[string]any, model string) (map[string]any, error) {
	maxTokens := asInt64(body["max_tokens"])
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	// Anthropic takes the system prompt as a top-level field, not a message.
	var (
		messages []any
		system   string
	)
	for _, raw := range asSlice(body["messages"]) {
		msg := asMap(raw)
		if asString(msg["role"]) == "system" {
			if system == "" {
				system = asString(msg["content"])
			}
			continue
		}
		messages = append(messages, msg)
	}

	out := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
		"stream":     body["stream"] == true,
	}
	if t, ok := body["temperature"]; ok {
		out["temperature"] = t
	}
	if system != "" {
		out["system"] = system
	}
	return out, nil
}

func (anthropicAdapter) TransformResponse(data map[string]any) map[string]any {
	content := asSlice(data["content"])
	if content == nil {
		return data
	}

	var text string
	if len(content) > 0 {
		text = asString(asMap(content[0])["text"])
	}

	finishReason := asString(data["stop_reason"])
	if finishReason == "end_turn" {
		finishReason = "stop"
	}

	usageIn := usageInt(data, "usage", "input_tokens")
	usageOut := usageInt(data, "usage", "output_tokens")

	id := asString(data["id"])
	if id == "" {
		id = fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli())
	}

	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   data["model"],
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     usageIn,
			"completion_tokens": usageOut,
			"total_tokens":      usageIn + usageOut,
		},
	}
}

func (anthropicAdapter) ExtractUsage(data map[string]any) Usage {
	return Usage{
		PromptTokens:     usageInt(data, "usage", "input_tokens"),
		CompletionTokens: usageInt(data, "usage", "output_tokens"),
	}
}

func (anthropicAdapter) BuildHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (anthropicAdapter) UpstreamURL(baseURL, _, path string, _ bool) string {
	if path == "/v1/chat/completions" {
		return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
	}
	return strings.TrimSuffix(baseURL, "/") + path
}
