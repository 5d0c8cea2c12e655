package store

import (
	"context"
	"fmt"
)

// PreDeduct charges an estimated cost against both the user's balance and
// the token's budget before the upstream request is made. Both decrements
// are conditional and run in one transaction: if either balance is too low
// nothing is charged and ErrInsufficientQuota is returned.
//
// Tokens with the UnlimitedQuota sentinel pass the token check untouched.
func (s *Store) PreDeduct(ctx context.Context, userID, tokenID, amount int64) error {
	if amount <= 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pre-deduct: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET quota = quota - $1 WHERE id = $2 AND quota >= $1`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("deduct user quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientQuota
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE tokens
		 SET remain_quota = CASE WHEN remain_quota = -1 THEN -1 ELSE remain_quota - $1 END
		 WHERE id = $2 AND (remain_quota = -1 OR remain_quota >= $1)`,
		amount, tokenID)
	if err != nil {
		return fmt.Errorf("deduct token quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientQuota
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pre-deduct: %w", err)
	}
	return nil
}

// AdjustQuota moves both the user's balance and the token's budget by delta.
// Positive delta refunds part of a pre-deduction; negative delta charges the
// rare overage where measured usage exceeded the estimate. Unlimited tokens
// are left untouched.
func (s *Store) AdjustQuota(ctx context.Context, userID, tokenID, delta int64) error {
	if delta == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quota adjust: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET quota = quota + $1 WHERE id = $2`, delta, userID); err != nil {
		return fmt.Errorf("adjust user quota: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tokens SET remain_quota = remain_quota + $1
		 WHERE id = $2 AND remain_quota <> -1`, delta, tokenID); err != nil {
		return fmt.Errorf("adjust token quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quota adjust: %w", err)
	}
	return nil
}

// CommitUsage persists a batch of completed requests in one transaction:
// bump lifetime used-quota counters for users and tokens and insert one log
// row per request. Balances are not moved here; the ledger settled those at
// request time.
//
// Returns each touched user's remaining balance so the caller can fire
// low-balance notifications.
func (s *Store) CommitUsage(ctx context.Context, recs []UsageRecord) (map[int64]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	type userAgg struct {
		used  int64
		count int64
	}
	users := make(map[int64]*userAgg)
	tokens := make(map[int64]int64)
	for _, r := range recs {
		u := users[r.UserID]
		if u == nil {
			u = &userAgg{}
			users[r.UserID] = u
		}
		u.used += r.Cost
		u.count++
		tokens[r.TokenID] += r.Cost
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin usage commit: %w", err)
	}
	defer tx.Rollback()

	balances := make(map[int64]int64, len(users))
	for id, u := range users {
		var remaining int64
		err := tx.QueryRowContext(ctx,
			`UPDATE users
			 SET used_quota = used_quota + $1, request_count = request_count + $2
			 WHERE id = $3
			 RETURNING quota`,
			u.used, u.count, id).Scan(&remaining)
		if err != nil {
			return nil, fmt.Errorf("settle user %d: %w", id, err)
		}
		balances[id] = remaining
	}

	for id, used := range tokens {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tokens SET used_quota = used_quota + $1 WHERE id = $2`,
			used, id); err != nil {
			return nil, fmt.Errorf("settle token %d: %w", id, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO logs (user_id, token_id, channel_id, model_name,
		                  prompt_tokens, completion_tokens, quota_cost,
		                  is_stream, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return nil, fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.UserID, r.TokenID, r.ChannelID, r.ModelName,
			r.PromptTokens, r.CompletionTokens, r.Cost,
			r.IsStream, r.LatencyMs, r.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}
	return balances, nil
}
