package adapters

import "strings"

// jinaAdapter serves the Jina AI rerank API. Requests and responses are
// already in the standard rerank shape; usage is billed by total tokens or,
// absent that, per returned document.
type jinaAdapter struct{}

func (jinaAdapter) TransformRequest(body map[string]any, model string) (map[string]any, error) {
	out := map[string]any{
		"model":     model,
		"query":     body["query"],
		"documents": body["documents"],
	}
	if n, ok := body["top_n"]; ok {
		out["top_n"] = n
	}
	if rd, ok := body["return_documents"]; ok {
		out["return_documents"] = rd
	} else {
		out["return_documents"] = true
	}
	return out, nil
}

func (jinaAdapter) TransformResponse(data map[string]any) map[string]any {
	return data
}

func (jinaAdapter) ExtractUsage(data map[string]any) Usage {
	prompt := usageInt(data, "usage", "total_tokens")
	if prompt == 0 {
		prompt = int64(len(asSlice(data["results"])))
	}
	return Usage{PromptTokens: prompt}
}

func (jinaAdapter) BuildHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + apiKey,
	}
}

func (jinaAdapter) UpstreamURL(baseURL, _, path string, _ bool) string {
	return strings.TrimSuffix(baseURL, "/") + path
}
