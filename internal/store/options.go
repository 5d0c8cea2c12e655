package store

import (
	"context"
	"fmt"
)

// LoadOptions returns the full key/value option table. Options hold runtime
// tunables (pricing ratio overrides, group discounts) edited without a
// redeploy; the options package caches and periodically reloads them.
func (s *Store) LoadOptions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM options`)
	if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}
	defer rows.Close()

	opts := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		opts[k] = v
	}
	return opts, rows.Err()
}

// SetOption inserts or updates a single option.
func (s *Store) SetOption(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO options (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2`,
		key, value)
	if err != nil {
		return fmt.Errorf("set option %s: %w", key, err)
	}
	return nil
}
