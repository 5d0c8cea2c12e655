package adapters

import (
	"fmt"
	"strings"
	"time"
)

// baiduAdapter converts between OpenAI chat format and the Baidu ERNIE API.
// ERNIE knows only user and assistant roles; the response text lives in a
// top-level "result" field.
type baiduAdapter struct{}

func (baiduAdapter) TransformRequest(body map[string]any, _ string) (map[string]any, error) {
	var messages []any
	for _, raw := range asSlice(body["messages"]) {
		msg := asMap(raw)
		role := "user"
		if asString(msg["role"]) == "assistant" {
			role = "assistant"
		}
		messages = append(messages, map[string]any{
			"role":    role,
			"content": msg["content"],
		})
	}

	userID := asString(body["user"])
	if userID == "" {
		userID = "gateway_user"
	}

	return map[string]any{
		"messages": messages,
		"stream":   body["stream"] == true,
		"user_id":  userID,
	}, nil
}

func (baiduAdapter) TransformResponse(data map[string]any) map[string]any {
	prompt := usageInt(data, "usage", "prompt_tokens")
	completion := usageInt(data, "usage", "completion_tokens")

	id := asString(data["id"])
	if id == "" {
		id = fmt.Sprintf("chatcmpl-baidu-%d", time.Now().UnixMilli())
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
					"content": asString(data["result"]),
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
}

func (baiduAdapter) ExtractUsage(data map[string]any) Usage {
	return Usage{
		PromptTokens:     usageInt(data, "usage", "prompt_tokens"),
		CompletionTokens: usageInt(data, "usage", "completion_tokens"),
	}
}

func (baiduAdapter) BuildHeaders(string) map[string]string {
	// ERNIE authenticates with an access_token query parameter; the stored
	// channel key is that token and travels in the URL, not a header.
	return map[string]string{"Content-Type": "application/json"}
}

func (baiduAdapter) UpstreamURL(baseURL, _, path string, _ bool) string {
	return strings.TrimSuffix(baseURL, "/") + path
}
