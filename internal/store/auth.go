package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetTokenByKey looks up a client API key. Returns ErrNotFound for unknown
// keys; status and expiry checks are the caller's responsibility so the
// middleware can report the precise failure.
func (s *Store) GetTokenByKey(ctx context.Context, key string) (*Token, error) {
	query := `
		SELECT id, user_id, key, name, status, remain_quota, used_quota, models, expired_at, created_at
		FROM tokens
		WHERE key = $1`

	var (
		t          Token
		modelsJSON []byte
		expiredAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&t.ID, &t.UserID, &t.Key, &t.Name, &t.Status, &t.RemainQuota,
		&t.UsedQuota, &modelsJSON, &expiredAt, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	if len(modelsJSON) > 0 {
		if err := json.Unmarshal(modelsJSON, &t.Models); err != nil {
			return nil, fmt.Errorf("parse token %d models: %w", t.ID, err)
		}
	}
	if expiredAt.Valid {
		t.ExpiredAt = &expiredAt.Time
	}
	return &t, nil
}

// GetUserByID returns a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, username, email, "group", role, status, quota, used_quota,
		       request_count, created_at
		FROM users
		WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.Email, &u.Group, &u.Role, &u.Status,
		&u.Quota, &u.UsedQuota, &u.RequestCount, &u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
