package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertSemanticEntry stores a cached response keyed by (model, prompt hash).
// A repeat of the exact same prompt refreshes the existing row.
func (s *Store) UpsertSemanticEntry(ctx context.Context, e *SemanticEntry) error {
	embJSON, err := json.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO semantic_cache (model_name, prompt_hash, embedding, response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (model_name, prompt_hash)
		DO UPDATE SET embedding = $3, response = $4, updated_at = $5`,
		e.ModelName, e.PromptHash, string(embJSON), e.Response, now)
	if err != nil {
		return fmt.Errorf("upsert semantic entry: %w", err)
	}
	return nil
}

// ListSemanticEntries returns entries for a model updated after the cutoff.
// The similarity search over embeddings happens in process.
func (s *Store) ListSemanticEntries(ctx context.Context, model string, since time.Time) ([]*SemanticEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_name, prompt_hash, embedding, response, created_at, updated_at
		FROM semantic_cache
		WHERE model_name = $1 AND updated_at > $2`,
		model, since)
	if err != nil {
		return nil, fmt.Errorf("query semantic entries: %w", err)
	}
	defer rows.Close()

	var entries []*SemanticEntry
	for rows.Next() {
		var (
			e       SemanticEntry
			embJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.ModelName, &e.PromptHash, &embJSON,
			&e.Response, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan semantic entry: %w", err)
		}
		if err := json.Unmarshal(embJSON, &e.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding for entry %d: %w", e.ID, err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeSemanticEntriesBefore removes stale cache rows. Run alongside the log
// retention sweep.
func (s *Store) PurgeSemanticEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM semantic_cache WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge semantic entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
