package store

import (
	"context"
	"fmt"
	"time"
)

// DeleteLogsBefore removes usage logs older than the cutoff and returns how
// many rows were deleted. Run by the daily retention sweep.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
