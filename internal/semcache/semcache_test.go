package semcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/store"
)

type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[text], nil
}

type fakeCacheStore struct {
	entries []*store.SemanticEntry
	upserts []*store.SemanticEntry
}

func (f *fakeCacheStore) UpsertSemanticEntry(_ context.Context, e *store.SemanticEntry) error {
	f.upserts = append(f.upserts, e)
	return nil
}

func (f *fakeCacheStore) ListSemanticEntries(_ context.Context, model string, _ time.Time) ([]*store.SemanticEntry, error) {
	var out []*store.SemanticEntry
	for _, e := range f.entries {
		if e.ModelName == model {
			out = append(out, e)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLookupHitAboveThreshold(t *testing.T) {
	fs := &fakeCacheStore{entries: []*store.SemanticEntry{
		{ModelName: "gpt-4", Embedding: []float64{1, 0, 0}, Response: `{"cached":true}`},
	}}
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"what is go": {0.99, 0.05, 0},
	}}

	c := New(fs, emb, testLogger(), 0.85, time.Hour)
	resp, hit := c.Lookup(context.Background(), "gpt-4", "what is go")
	if !hit {
		t.Fatal("expected a cache hit")
	}
	if resp != `{"cached":true}` {
		t.Errorf("response = %s", resp)
	}
}

func TestLookupMissBelowThreshold(t *testing.T) {
	fs := &fakeCacheStore{entries: []*store.SemanticEntry{
		{ModelName: "gpt-4", Embedding: []float64{1, 0, 0}, Response: "x"},
	}}
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"unrelated": {0, 1, 0}, // orthogonal: similarity 0
	}}

	c := New(fs, emb, testLogger(), 0.85, time.Hour)
	if _, hit := c.Lookup(context.Background(), "gpt-4", "unrelated"); hit {
		t.Error("orthogonal prompt must miss")
	}
}

func TestLookupPicksNearestEntry(t *testing.T) {
	fs := &fakeCacheStore{entries: []*store.SemanticEntry{
		{ModelName: "gpt-4", Embedding: []float64{1, 0.3, 0}, Response: "far"},
		{ModelName: "gpt-4", Embedding: []float64{1, 0, 0}, Response: "near"},
	}}
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"q": {1, 0.01, 0},
	}}

	c := New(fs, emb, testLogger(), 0.5, time.Hour)
	resp, hit := c.Lookup(context.Background(), "gpt-4", "q")
	if !hit || resp != "near" {
		t.Errorf("resp = %q hit=%v, want nearest entry", resp, hit)
	}
}

func TestLookupEmbedErrorIsMiss(t *testing.T) {
	c := New(&fakeCacheStore{}, &fakeEmbedder{err: errors.New("upstream down")},
		testLogger(), 0.85, time.Hour)
	if _, hit := c.Lookup(context.Background(), "gpt-4", "q"); hit {
		t.Error("embed failure must be a miss, not an error")
	}
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *Cache
	if _, hit := c.Lookup(context.Background(), "gpt-4", "q"); hit {
		t.Error("nil cache returned a hit")
	}
	c.Store(context.Background(), "gpt-4", "q", "resp") // must not panic
}

func TestStoreUpserts(t *testing.T) {
	fs := &fakeCacheStore{}
	emb := &fakeEmbedder{vectors: map[string][]float64{"prompt": {0.1, 0.2}}}

	c := New(fs, emb, testLogger(), 0.85, time.Hour)
	c.Store(context.Background(), "gpt-4", "prompt", "resp")

	if len(fs.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(fs.upserts))
	}
	e := fs.upserts[0]
	if e.ModelName != "gpt-4" || e.Response != "resp" {
		t.Errorf("entry = %+v", e)
	}
	if len(e.PromptHash) != 64 {
		t.Errorf("prompt hash = %q, want sha256 hex", e.PromptHash)
	}

	// Same prompt hashes identically; different prompts do not.
	if hashPrompt("prompt") != e.PromptHash {
		t.Error("hash is not deterministic")
	}
	if hashPrompt("other") == e.PromptHash {
		t.Error("distinct prompts share a hash")
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors = %v, want 1", got)
	}
	if got := cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors = %v, want 0", got)
	}
	if got := cosine([]float64{1, 0}, []float64{1}); got != 0 {
		t.Errorf("length mismatch = %v, want 0", got)
	}
	if got := cosine(nil, nil); got != 0 {
		t.Errorf("empty vectors = %v, want 0", got)
	}
}
