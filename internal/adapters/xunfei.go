package adapters

import (
	"fmt"
	"strings"
	"time"
)

// xunfeiAdapter targets the Xunfei Spark HTTP API, which accepts
// OpenAI-shaped requests but returns a reduced response.
type xunfeiAdapter struct{}

func (xunfeiAdapter) TransformRequest(body map[string]any, model string) (map[string]any, error) {
	return map[string]any{
		"model":    model,
		"messages": body["messages"],
		"stream":   body["stream"] == true,
	}, nil
}

func (xunfeiAdapter) TransformResponse(data map[string]any) map[string]any {
	choices := asSlice(data["choices"])
	var text string
	if len(choices) > 0 {
		text = asString(asMap(asMap(choices[0])["message"])["content"])
	}

	id := asString(data["id"])
	if id == "" {
		id = fmt.Sprintf("chatcmpl-spark-%d", time.Now().UnixMilli())
	}

	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     usageInt(data, "usage", "prompt_tokens"),
			"completion_tokens": usageInt(data, "usage", "completion_tokens"),
			"total_tokens":      usageInt(data, "usage", "total_tokens"),
		},
	}
}

func (xunfeiAdapter) ExtractUsage(data map[string]any) Usage {
	return Usage{
		PromptTokens:     usageInt(data, "usage", "prompt_tokens"),
		CompletionTokens: usageInt(data, "usage", "completion_tokens"),
	}
}

func (xunfeiAdapter) BuildHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + apiKey,
	}
}

func (xunfeiAdapter) UpstreamURL(baseURL, _, path string, _ bool) string {
	return strings.TrimSuffix(baseURL, "/") + path
}
