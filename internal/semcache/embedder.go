package semcache

import (
	"context"
	"fmt"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIEmbedder produces embeddings through the OpenAI embeddings API (or
// any compatible endpoint via baseURL).
type OpenAIEmbedder struct {
	client openaiSDK.Client
	model  string
}

// NewOpenAIEmbedder builds an embedder for the given model. baseURL may be
// empty to use the OpenAI default.
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEmbedder{
		client: openaiSDK.NewClient(opts...),
		model:  model,
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(e.model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response for model %s", e.model)
	}
	return resp.Data[0].Embedding, nil
}
