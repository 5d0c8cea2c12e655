package adapters

import (
	"fmt"
	"strings"
	"time"
)

// geminiAdapter converts between OpenAI chat format and the Google Gemini
// generateContent API.
type geminiAdapter struct{}

func (geminiAdapter) TransformRequest(body map[string]any, _ string) (map[string]any, error) {
	var contents []any
	for _, raw := range asSlice(body["messages"]) {
		msg := asMap(raw)
		role := asString(msg["role"])
		switch role {
		case "system":
			// No native system role; fold into the user turn.
			role = "user"
		case "assistant":
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []any{map[string]any{"text": msg["content"]}},
		})
	}

	generationConfig := map[string]any{}
	if t, ok := body["temperature"]; ok {
		generationConfig["temperature"] = t
	}
	if p, ok := body["top_p"]; ok {
		generationConfig["topP"] = p
	}
	if m, ok := body["max_tokens"]; ok {
		generationConfig["maxOutputTokens"] = m
	}

	return map[string]any{
		"contents":         contents,
		"generationConfig": generationConfig,
	}, nil
}

func (geminiAdapter) TransformResponse(data map[string]any) map[string]any {
	candidates := asSlice(data["candidates"])
	var text, finishReason string
	if len(candidates) > 0 {
		cand := asMap(candidates[0])
		parts := asSlice(asMap(cand["content"])["parts"])
		if len(parts) > 0 {
			text = asString(asMap(parts[0])["text"])
		}
		finishReason = strings.ToLower(asString(cand["finishReason"]))
	}
	if finishReason == "" {
		finishReason = "stop"
	}

	meta := asMap(data["usageMetadata"])
	prompt := asInt64(meta["promptTokenCount"])
	completion := asInt64(meta["candidatesTokenCount"])

	return map[string]any{
		"id":      fmt.Sprintf("chatcmpl-gemini-%d", time.Now().UnixMilli()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
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
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      asInt64(meta["totalTokenCount"]),
		},
	}
}

func (geminiAdapter) ExtractUsage(data map[string]any) Usage {
	// Works on both the raw upstream body and an already transformed one.
	if meta := asMap(data["usageMetadata"]); meta != nil {
		return Usage{
			PromptTokens:     asInt64(meta["promptTokenCount"]),
			CompletionTokens: asInt64(meta["candidatesTokenCount"]),
		}
	}
	return Usage{
		PromptTokens:     usageInt(data, "usage", "prompt_tokens"),
		CompletionTokens: usageInt(data, "usage", "completion_tokens"),
	}
}

func (geminiAdapter) BuildHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Content-Type":   "application/json",
		"x-goog-api-key": apiKey,
	}
}

func (geminiAdapter) UpstreamURL(baseURL, model, path string, stream bool) string {
	base := strings.TrimSuffix(baseURL, "/")
	if path == "/v1/chat/completions" {
		if stream {
			return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, model)
		}
		return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, model)
	}
	return base + path
}
