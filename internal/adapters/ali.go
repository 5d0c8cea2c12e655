package adapters

import (
	"fmt"
	"strings"
	"time"
)

// aliAdapter converts between OpenAI chat format and the Alibaba DashScope
// generation API, which nests messages under "input" and tuning parameters
// under "parameters".
type aliAdapter struct{}

func (aliAdapter) TransformRequest(body map[string]any, model string) (map[string]any, error) {
	parameters := map[string]any{
		"result_format":      "message",
		"incremental_output": body["stream"] == true,
	}
	if t, ok := body["temperature"]; ok {
		parameters["temperature"] = t
	}
	if p, ok := body["top_p"]; ok {
		parameters["top_p"] = p
	}

	return map[string]any{
		"model": model,
		"input": map[string]any{
			"messages": body["messages"],
		},
		"parameters": parameters,
	}, nil
}

func (aliAdapter) TransformResponse(data map[string]any) map[string]any {
	choices := asSlice(asMap(data["output"])["choices"])
	var text, finishReason string
	if len(choices) > 0 {
		choice := asMap(choices[0])
		text = asString(asMap(choice["message"])["content"])
		finishReason = asString(choice["finish_reason"])
	}
	if finishReason == "" {
		finishReason = "stop"
	}

	id := asString(data["request_id"])
	if id == "" {
		id = fmt.Sprintf("chatcmpl-ali-%d", time.Now().UnixMilli())
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
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     usageInt(data, "usage", "input_tokens"),
			"completion_tokens": usageInt(data, "usage", "output_tokens"),
			"total_tokens":      usageInt(data, "usage", "total_tokens"),
		},
	}
}

func (aliAdapter) ExtractUsage(data map[string]any) Usage {
	return Usage{
		PromptTokens:     usageInt(data, "usage", "input_tokens"),
		CompletionTokens: usageInt(data, "usage", "output_tokens"),
	}
}

func (aliAdapter) BuildHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + apiKey,
	}
}

func (aliAdapter) UpstreamURL(baseURL, _, path string, _ bool) string {
	return strings.TrimSuffix(baseURL, "/") + path
}
