package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const channelColumns = `
	id, name, type, base_url, key, models, model_mapping, "group",
	priority, weight, status, test_at, response_time, created_at`

// ListEnabledChannels returns every channel with status 1, ordered by
// priority descending. The registry builds its snapshot from this.
func (s *Store) ListEnabledChannels(ctx context.Context) ([]*Channel, error) {
	return s.listChannelsByStatus(ctx, ChannelEnabled)
}

// ListAutoDisabledChannels returns channels tripped by the circuit breaker,
// for the recovery prober.
func (s *Store) ListAutoDisabledChannels(ctx context.Context) ([]*Channel, error) {
	return s.listChannelsByStatus(ctx, ChannelAutoDisabled)
}

func (s *Store) listChannelsByStatus(ctx context.Context, status int) ([]*Channel, error) {
	query := `SELECT` + channelColumns + `
		FROM channels
		WHERE status = $1
		ORDER BY priority DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// GetChannel returns a single channel by ID.
func (s *Store) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	query := `SELECT` + channelColumns + ` FROM channels WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, id)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ch, err
}

// SetChannelStatus updates a channel's status. Used by the circuit breaker
// (enabled → auto-disabled) and the recovery prober (auto-disabled → enabled).
func (s *Store) SetChannelStatus(ctx context.Context, id int64, status int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update channel status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchChannelProbe records the outcome of a recovery probe.
func (s *Store) TouchChannelProbe(ctx context.Context, id int64, responseTime time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET test_at = $1, response_time = $2 WHERE id = $3`,
		time.Now(), responseTime.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("update channel probe: %w", err)
	}
	return nil
}

// CreateChannel inserts a channel and returns its ID.
func (s *Store) CreateChannel(ctx context.Context, ch *Channel) (int64, error) {
	modelsJSON, err := json.Marshal(ch.Models)
	if err != nil {
		return 0, fmt.Errorf("marshal models: %w", err)
	}
	mappingJSON, err := json.Marshal(ch.ModelMapping)
	if err != nil {
		return 0, fmt.Errorf("marshal model_mapping: %w", err)
	}

	query := `
		INSERT INTO channels (name, type, base_url, key, models, model_mapping,
		                      "group", priority, weight, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		ch.Name, ch.Type, ch.BaseURL, ch.Key, string(modelsJSON), string(mappingJSON),
		ch.Group, ch.Priority, ch.Weight, ch.Status, time.Now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert channel: %w", err)
	}
	return id, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*Channel, error) {
	var (
		ch           Channel
		baseURL      sql.NullString
		modelsJSON   []byte
		mappingJSON  []byte
		testAt       sql.NullTime
		responseTime sql.NullInt64
	)

	err := row.Scan(
		&ch.ID, &ch.Name, &ch.Type, &baseURL, &ch.Key, &modelsJSON, &mappingJSON,
		&ch.Group, &ch.Priority, &ch.Weight, &ch.Status, &testAt, &responseTime,
		&ch.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}

	ch.BaseURL = baseURL.String
	if testAt.Valid {
		ch.TestAt = &testAt.Time
	}
	ch.ResponseTime = responseTime.Int64

	if len(modelsJSON) > 0 {
		if err := json.Unmarshal(modelsJSON, &ch.Models); err != nil {
			return nil, fmt.Errorf("parse channel %d models: %w", ch.ID, err)
		}
	}
	if len(mappingJSON) > 0 {
		if err := json.Unmarshal(mappingJSON, &ch.ModelMapping); err != nil {
			return nil, fmt.Errorf("parse channel %d model_mapping: %w", ch.ID, err)
		}
	}

	return &ch, nil
}
