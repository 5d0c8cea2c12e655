// Package semcache short-circuits repeated chat prompts: prompts are
// embedded, compared by cosine similarity against recently cached entries
// for the same model, and a close-enough match returns the stored response
// without touching any channel or balance.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"time"

	"github.com/relaygate/relaygate/internal/store"
)

// Embedder turns a prompt into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Store is the subset of the persistence layer the cache needs.
type Store interface {
	UpsertSemanticEntry(ctx context.Context, e *store.SemanticEntry) error
	ListSemanticEntries(ctx context.Context, model string, since time.Time) ([]*store.SemanticEntry, error)
}

// Cache is the embedding-similarity response cache. A nil *Cache is a
// disabled cache: Lookup always misses and Store is a no-op.
type Cache struct {
	store     Store
	embedder  Embedder
	logger    *slog.Logger
	threshold float64
	ttl       time.Duration
}

// New creates a cache. threshold is the minimum cosine similarity for a
// hit; ttl bounds how old a cached entry may be.
func New(st Store, embedder Embedder, logger *slog.Logger, threshold float64, ttl time.Duration) *Cache {
	if threshold <= 0 {
		threshold = 0.85
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{store: st, embedder: embedder, logger: logger, threshold: threshold, ttl: ttl}
}

// Lookup returns the cached response for the nearest stored prompt of the
// same model, if its similarity clears the threshold. Any error is a miss:
// the cache must never fail a request that could be served upstream.
func (c *Cache) Lookup(ctx context.Context, model, prompt string) (string, bool) {
	if c == nil || prompt == "" {
		return "", false
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		c.logger.Warn("semantic cache embed failed", "error", err)
		return "", false
	}

	entries, err := c.store.ListSemanticEntries(ctx, model, time.Now().Add(-c.ttl))
	if err != nil {
		c.logger.Warn("semantic cache query failed", "error", err)
		return "", false
	}

	var (
		best      *store.SemanticEntry
		bestScore float64
	)
	for _, e := range entries {
		if score := cosine(vec, e.Embedding); score > bestScore {
			best, bestScore = e, score
		}
	}

	if best == nil || bestScore < c.threshold {
		return "", false
	}
	c.logger.Debug("semantic cache hit", "model", model, "similarity", bestScore)
	return best.Response, true
}

// Store embeds the prompt and upserts the response keyed by
// (model, prompt hash). Meant to be called fire-and-forget after a
// successful non-streaming response.
func (c *Cache) Store(ctx context.Context, model, prompt, response string) {
	if c == nil || prompt == "" {
		return
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		c.logger.Warn("semantic cache store embed failed", "error", err)
		return
	}

	entry := &store.SemanticEntry{
		ModelName:  model,
		PromptHash: hashPrompt(prompt),
		Embedding:  vec,
		Response:   response,
	}
	if err := c.store.UpsertSemanticEntry(ctx, entry); err != nil {
		c.logger.Warn("semantic cache store failed", "error", err)
	}
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// cosine returns the cosine similarity of two vectors, 0 when either is
// empty or their lengths differ.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
