package store

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so repeated boots
// and rolling deploys are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL PRIMARY KEY,
		username      VARCHAR(64) NOT NULL UNIQUE,
		email         VARCHAR(256) NOT NULL DEFAULT '',
		"group"       VARCHAR(64) NOT NULL DEFAULT 'default',
		role          INT NOT NULL DEFAULT 1,
		status        INT NOT NULL DEFAULT 1,
		quota         BIGINT NOT NULL DEFAULT 0,
		used_quota    BIGINT NOT NULL DEFAULT 0,
		request_count BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		id           BIGSERIAL PRIMARY KEY,
		user_id      BIGINT NOT NULL REFERENCES users(id),
		key          VARCHAR(128) NOT NULL UNIQUE,
		name         VARCHAR(128) NOT NULL DEFAULT '',
		status       INT NOT NULL DEFAULT 1,
		remain_quota BIGINT NOT NULL DEFAULT 0,
		used_quota   BIGINT NOT NULL DEFAULT 0,
		models       JSONB NOT NULL DEFAULT '[]',
		expired_at   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS channels (
		id            BIGSERIAL PRIMARY KEY,
		name          VARCHAR(128) NOT NULL,
		type          INT NOT NULL,
		base_url      VARCHAR(512),
		key           TEXT NOT NULL,
		models        JSONB NOT NULL DEFAULT '[]',
		model_mapping JSONB NOT NULL DEFAULT '{}',
		"group"       VARCHAR(256) NOT NULL DEFAULT 'default',
		priority      BIGINT NOT NULL DEFAULT 0,
		weight        BIGINT NOT NULL DEFAULT 0,
		status        INT NOT NULL DEFAULT 1,
		test_at       TIMESTAMPTZ,
		response_time BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_status ON channels (status)`,

	`CREATE TABLE IF NOT EXISTS logs (
		id                BIGSERIAL PRIMARY KEY,
		user_id           BIGINT NOT NULL,
		token_id          BIGINT NOT NULL,
		channel_id        BIGINT NOT NULL,
		model_name        VARCHAR(128) NOT NULL,
		prompt_tokens     BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		quota_cost        BIGINT NOT NULL DEFAULT 0,
		is_stream         BOOLEAN NOT NULL DEFAULT false,
		latency_ms        BIGINT NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_created_at ON logs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_user_id ON logs (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS semantic_cache (
		id          BIGSERIAL PRIMARY KEY,
		model_name  VARCHAR(128) NOT NULL,
		prompt_hash VARCHAR(64) NOT NULL,
		embedding   TEXT NOT NULL,
		response    TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (model_name, prompt_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_semantic_cache_model ON semantic_cache (model_name, updated_at)`,

	`CREATE TABLE IF NOT EXISTS options (
		key   VARCHAR(128) PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
