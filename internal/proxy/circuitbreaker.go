package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/store"
)

// defaultFailureThreshold is the number of consecutive qualifying failures
// that auto-disables a channel.
const defaultFailureThreshold = 3

// BreakerStore persists the channel status flip when a breaker trips.
type BreakerStore interface {
	SetChannelStatus(ctx context.Context, id int64, status int) error
}

// Invalidator refreshes the channel snapshot and fans the change out to
// other gateway instances.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// BreakerNotifier receives channel state-change alerts. May be nil.
type BreakerNotifier interface {
	ChannelDisabled(channelID int64, name, reason string)
}

// Breaker tracks consecutive failures per channel and auto-disables a
// channel once the threshold is reached. Counters live in memory only; a
// restart starts every channel fresh, which errs on the side of retrying.
type Breaker struct {
	store     BreakerStore
	registry  Invalidator
	notifier  BreakerNotifier
	metrics   *metrics.Registry
	logger    *slog.Logger
	threshold int

	mu       sync.Mutex
	failures map[int64]int
}

// NewBreaker creates a breaker. notifier and metrics may be nil.
func NewBreaker(st BreakerStore, reg Invalidator, notifier BreakerNotifier,
	m *metrics.Registry, logger *slog.Logger, threshold int) *Breaker {

	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &Breaker{
		store:     st,
		registry:  reg,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		threshold: threshold,
		failures:  make(map[int64]int),
	}
}

// RecordSuccess resets the channel's failure counter.
func (b *Breaker) RecordSuccess(channelID int64) {
	b.mu.Lock()
	delete(b.failures, channelID)
	b.mu.Unlock()
}

// RecordFailure advances the channel's counter and trips the breaker at the
// threshold. The status flip, snapshot refresh, and alert run in the
// background so the caller can move on to the next candidate immediately.
func (b *Breaker) RecordFailure(ch *store.Channel, reason string) {
	b.mu.Lock()
	b.failures[ch.ID]++
	tripped := b.failures[ch.ID] >= b.threshold
	if tripped {
		delete(b.failures, ch.ID)
	}
	b.mu.Unlock()

	if !tripped {
		return
	}
	go b.disable(ch, reason)
}

func (b *Breaker) disable(ch *store.Channel, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.store.SetChannelStatus(ctx, ch.ID, store.ChannelAutoDisabled); err != nil {
		b.logger.Error("channel auto-disable failed",
			slog.Int64("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	b.logger.Warn("channel auto-disabled",
		slog.Int64("channel_id", ch.ID),
		slog.String("channel", ch.Name),
		slog.String("reason", reason),
	)
	if b.metrics != nil {
		b.metrics.RecordChannelDisabled(ch.Name)
	}
	if b.registry != nil {
		b.registry.Invalidate(ctx)
	}
	if b.notifier != nil {
		b.notifier.ChannelDisabled(ch.ID, ch.Name, reason)
	}
}

// Failures returns the current consecutive-failure count for a channel.
func (b *Breaker) Failures(channelID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[channelID]
}
