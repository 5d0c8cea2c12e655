package adapters

import (
	"fmt"
	"strings"
)

// openaiAdapter is the native protocol passthrough. It also serves the
// OpenAI-compatible aggregators (DeepSeek, Zen, Cloudflare Workers AI).
type openaiAdapter struct{}

func (openaiAdapter) TransformRequest(body map[string]any, model string) (map[string]any, error) {
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["model"] = model
	return out, nil
}

func (openaiAdapter) TransformResponse(data map[string]any) map[string]any {
	return data
}

func (openaiAdapter) ExtractUsage(data map[string]any) Usage {
	return Usage{
		PromptTokens:     usageInt(data, "usage", "prompt_tokens"),
		CompletionTokens: usageInt(data, "usage", "completion_tokens"),
	}
}

func (openaiAdapter) BuildHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + apiKey,
	}
}

func (openaiAdapter) UpstreamURL(baseURL, _, path string, _ bool) string {
	return strings.TrimSuffix(baseURL, "/") + path
}

// azureAdapter speaks the Azure OpenAI dialect: same bodies, api-key auth,
// deployment-scoped URLs with an api-version query parameter.
type azureAdapter struct{}

const azureAPIVersion = "2024-02-01"

func (azureAdapter) TransformRequest(body map[string]any, model string) (map[string]any, error) {
	return openaiAdapter{}.TransformRequest(body, model)
}

func (azureAdapter) TransformResponse(data map[string]any) map[string]any {
	return data
}

func (azureAdapter) ExtractUsage(data map[string]any) Usage {
	return openaiAdapter{}.ExtractUsage(data)
}

func (azureAdapter) BuildHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"api-key":      apiKey,
	}
}

func (azureAdapter) UpstreamURL(baseURL, model, path string, _ bool) string {
	// /v1/chat/completions → /openai/deployments/{model}/chat/completions
	return fmt.Sprintf("%s/openai/deployments/%s%s?api-version=%s",
		strings.TrimSuffix(baseURL, "/"), model,
		strings.TrimPrefix(path, "/v1"), azureAPIVersion)
}
