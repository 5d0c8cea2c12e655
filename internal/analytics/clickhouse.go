// Package analytics mirrors usage logs to ClickHouse for reporting queries
// that would be too heavy for the transactional store. The mirror is
// best-effort: Postgres remains the source of truth and a failed insert is
// only logged.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/relaygate/relaygate/internal/store"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS usage_logs (
		user_id           Int64,
		token_id          Int64,
		channel_id        Int64,
		model_name        String,
		prompt_tokens     Int64,
		completion_tokens Int64,
		quota_cost        Int64,
		is_stream         Bool,
		latency_ms        Int64,
		created_at        DateTime64(3)
	)
	ENGINE = MergeTree
	ORDER BY (created_at, user_id)`

// Sink writes usage records to ClickHouse.
type Sink struct {
	conn   driver.Conn
	logger *slog.Logger
}

// Open connects, verifies connectivity, and creates the table if missing.
func Open(addr, database, username, password string, logger *slog.Logger) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	return &Sink{conn: conn, logger: logger}, nil
}

// MirrorLogs inserts one row per record. Errors are logged, never returned
// to the billing path.
func (s *Sink) MirrorLogs(ctx context.Context, recs []store.UsageRecord) {
	if len(recs) == 0 {
		return
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO usage_logs (user_id, token_id, channel_id, model_name,
		                        prompt_tokens, completion_tokens, quota_cost,
		                        is_stream, latency_ms, created_at)`)
	if err != nil {
		s.logger.Warn("analytics batch prepare failed", "error", err)
		return
	}

	for _, r := range recs {
		if err := batch.Append(
			r.UserID, r.TokenID, r.ChannelID, r.ModelName,
			r.PromptTokens, r.CompletionTokens, r.Cost,
			r.IsStream, r.LatencyMs, r.CreatedAt,
		); err != nil {
			s.logger.Warn("analytics batch append failed", "error", err)
			return
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Warn("analytics batch send failed", "rows", len(recs), "error", err)
		return
	}
	s.logger.Debug("analytics batch mirrored", "rows", len(recs))
}

// Close releases the connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}
