// Package adapters translates between the gateway's OpenAI-compatible
// surface and each upstream provider's wire protocol.
//
// One adapter per protocol family, keyed by the channel type enum. Request
// and response bodies travel as decoded JSON maps so passthrough adapters
// preserve fields the gateway does not model.
package adapters

// Channel type constants, compatible with the New-API/One-API numbering so
// existing channel tables import cleanly.
const (
	TypeOpenAI    = 1
	TypeAzure     = 8
	TypeAnthropic = 14
	TypeBaidu     = 15
	TypeZen       = 16
	TypeAli       = 17
	TypeXunfei    = 18
	TypeGemini    = 23
	TypeDeepSeek  = 31
	TypeCFWorker  = 33
	TypeJina      = 40
)

// Usage is the token consumption extracted from an upstream response.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// Adapter is the uniform per-provider contract.
type Adapter interface {
	// TransformRequest rewrites an OpenAI-format request body for the
	// upstream protocol, injecting the (possibly remapped) model name.
	TransformRequest(body map[string]any, model string) (map[string]any, error)

	// TransformResponse rewrites a non-streaming upstream response into
	// OpenAI format. Passthrough adapters return the body unchanged.
	TransformResponse(data map[string]any) map[string]any

	// ExtractUsage reads token usage from a non-streaming upstream response.
	ExtractUsage(data map[string]any) Usage

	// BuildHeaders returns the auth and content headers for one request.
	BuildHeaders(apiKey string) map[string]string

	// UpstreamURL builds the full upstream URL for an OpenAI-style endpoint
	// path such as "/v1/chat/completions".
	UpstreamURL(baseURL, model, path string, stream bool) string
}

var byType = map[int]Adapter{
	TypeOpenAI:    openaiAdapter{},
	TypeAzure:     azureAdapter{},
	TypeAnthropic: anthropicAdapter{},
	TypeBaidu:     baiduAdapter{},
	TypeZen:       openaiAdapter{},
	TypeAli:       aliAdapter{},
	TypeXunfei:    xunfeiAdapter{},
	TypeGemini:    geminiAdapter{},
	TypeDeepSeek:  openaiAdapter{},
	TypeCFWorker:  openaiAdapter{},
	TypeJina:      jinaAdapter{},
}

// ForType returns the adapter for a channel type. Unknown types get the
// OpenAI passthrough, matching how most aggregator APIs behave.
func ForType(channelType int) Adapter {
	if a, ok := byType[channelType]; ok {
		return a
	}
	return openaiAdapter{}
}

// ── shared JSON map helpers ──────────────────────────────────────────────────

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt64 handles the float64 that encoding/json produces for numbers, plus
// the integer types a handcrafted map may carry.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

// usageInt reads data[container][field] as an integer.
func usageInt(data map[string]any, container, field string) int64 {
	return asInt64(asMap(data[container])[field])
}
