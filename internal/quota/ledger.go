package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaygate/relaygate/internal/options"
	"github.com/relaygate/relaygate/internal/store"
)

// DefaultMaxTokensHint caps the pre-deduction estimate when a request does
// not declare max_tokens.
const DefaultMaxTokensHint = 4096

// Store is the subset of the persistence layer the ledger needs.
type Store interface {
	PreDeduct(ctx context.Context, userID, tokenID, amount int64) error
	AdjustQuota(ctx context.Context, userID, tokenID, delta int64) error
}

// Ledger charges requests against user and token balances. Pre-deduction
// reserves a worst-case estimate before the upstream call; reconciliation
// nets the reservation to the measured cost afterwards.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger creates a ledger over the given store.
func NewLedger(st Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: st, logger: logger}
}

// PreCheckAndDecrement reserves the worst-case cost of a request: the full
// max_tokens hint priced as completion tokens. Returns the reserved amount.
// A store.ErrInsufficientQuota result means nothing was charged and the
// request must be rejected before any upstream call.
func (l *Ledger) PreCheckAndDecrement(ctx context.Context, user *store.User, token *store.Token,
	snap *options.Snapshot, model string, maxTokensHint int64) (int64, error) {

	if maxTokensHint <= 0 {
		maxTokensHint = DefaultMaxTokensHint
	}
	estimate := Cost(snap, model, user.Group, 0, maxTokensHint)

	if err := l.store.PreDeduct(ctx, user.ID, token.ID, estimate); err != nil {
		return 0, err
	}
	return estimate, nil
}

// Reconcile nets a pre-deduction to the measured cost: refund when the
// estimate was high, charge the rare overage when usage exceeded the
// declared cap. Pass actualCost 0 on a failed attempt to refund in full.
func (l *Ledger) Reconcile(ctx context.Context, userID, tokenID, preDeducted, actualCost int64) error {
	delta := preDeducted - actualCost
	if delta == 0 {
		return nil
	}
	if err := l.store.AdjustQuota(ctx, userID, tokenID, delta); err != nil {
		return fmt.Errorf("reconcile quota for user %d: %w", userID, err)
	}
	if delta < 0 {
		l.logger.Warn("usage exceeded pre-deduction",
			"user_id", userID, "overage", -delta)
	}
	return nil
}
