// Package billing persists usage asynchronously: completed requests enqueue
// a task and return immediately, a background worker batches the queue into
// one transaction per tick. Lifetime counters and log rows land here; the
// quota ledger has already settled balances by the time a task is enqueued.
package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/options"
	"github.com/relaygate/relaygate/internal/quota"
	"github.com/relaygate/relaygate/internal/store"
)

// Task is one completed request awaiting billing.
type Task struct {
	UserID           int64
	TokenID          int64
	ChannelID        int64
	ModelName        string
	UserGroup        string
	PromptTokens     int64
	CompletionTokens int64
	IsStream         bool
	LatencyMs        int64
	CreatedAt        time.Time
}

// Store is the subset of the persistence layer the aggregator needs.
type Store interface {
	CommitUsage(ctx context.Context, recs []store.UsageRecord) (map[int64]int64, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeSemanticEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier receives low-balance alerts after a flush.
type Notifier interface {
	LowBalance(userID, balance, threshold int64)
}

// Sink mirrors committed usage records to an analytics store. May be nil.
type Sink interface {
	MirrorLogs(ctx context.Context, recs []store.UsageRecord)
}

// Metrics receives queue depth and flush outcome updates. May be nil.
type Metrics interface {
	RecordBillingFlush(result string)
	SetBillingQueueDepth(n int)
}

// Aggregator is the async billing queue.
type Aggregator struct {
	store    Store
	opts     *options.Service // nil uses built-in pricing ratios
	notifier Notifier
	sink     Sink
	metrics  Metrics
	logger   *slog.Logger

	flushInterval time.Duration
	lowBalance    int64
	retention     time.Duration

	mu       sync.Mutex
	queue    []Task
	flushing bool
}

// New creates the aggregator. notifier and sink may be nil.
func New(st Store, opts *options.Service, notifier Notifier, sink Sink, logger *slog.Logger,
	flushInterval time.Duration, lowBalance int64, retention time.Duration) *Aggregator {

	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Aggregator{
		store:         st,
		opts:          opts,
		notifier:      notifier,
		sink:          sink,
		logger:        logger,
		flushInterval: flushInterval,
		lowBalance:    lowBalance,
		retention:     retention,
	}
}

// SetMetrics injects the metrics hook. Must be called before Run.
func (a *Aggregator) SetMetrics(m Metrics) { a.metrics = m }

// Enqueue appends a task and returns immediately. Tasks without any tokens
// are dropped: nothing to bill, nothing to log.
func (a *Aggregator) Enqueue(t Task) {
	if t.PromptTokens+t.CompletionTokens <= 0 {
		return
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	a.mu.Lock()
	a.queue = append(a.queue, t)
	depth := len(a.queue)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SetBillingQueueDepth(depth)
	}
}

// Run flushes on the configured interval and sweeps old logs daily. On
// shutdown it drains whatever is still queued.
func (a *Aggregator) Run(ctx context.Context) error {
	flush := time.NewTicker(a.flushInterval)
	defer flush.Stop()
	sweep := time.NewTicker(24 * time.Hour)
	defer sweep.Stop()

	if a.retention > 0 {
		a.sweep(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.Flush(drainCtx)
			cancel()
			return ctx.Err()
		case <-flush.C:
			a.Flush(ctx)
		case <-sweep.C:
			if a.retention > 0 {
				a.sweep(ctx)
			}
		}
	}
}

// Flush drains the queue and commits it in one transaction. A failed commit
// pushes the batch back to the front so the next tick retries it
// (at-least-once; the rows are not idempotent).
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	if a.flushing || len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	a.flushing = true
	tasks := a.queue
	a.queue = nil
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.flushing = false
		a.mu.Unlock()
	}()

	var snap *options.Snapshot
	if a.opts != nil {
		snap = a.opts.Current()
	}

	recs := make([]store.UsageRecord, len(tasks))
	for i, t := range tasks {
		recs[i] = store.UsageRecord{
			UserID:           t.UserID,
			TokenID:          t.TokenID,
			ChannelID:        t.ChannelID,
			ModelName:        t.ModelName,
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
			Cost:             quota.Cost(snap, t.ModelName, t.UserGroup, t.PromptTokens, t.CompletionTokens),
			IsStream:         t.IsStream,
			LatencyMs:        t.LatencyMs,
			CreatedAt:        t.CreatedAt,
		}
	}

	balances, err := a.store.CommitUsage(ctx, recs)
	if err != nil {
		a.logger.Error("billing flush failed, re-queueing batch",
			"tasks", len(tasks), "error", err)
		a.mu.Lock()
		a.queue = append(tasks, a.queue...)
		depth := len(a.queue)
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.RecordBillingFlush("error")
			a.metrics.SetBillingQueueDepth(depth)
		}
		return
	}

	a.logger.Debug("billing flush committed", "tasks", len(tasks))
	if a.metrics != nil {
		a.metrics.RecordBillingFlush("ok")
		a.mu.Lock()
		depth := len(a.queue)
		a.mu.Unlock()
		a.metrics.SetBillingQueueDepth(depth)
	}

	if a.sink != nil {
		go a.sink.MirrorLogs(context.Background(), recs)
	}

	if a.notifier != nil && a.lowBalance > 0 {
		for userID, balance := range balances {
			if balance < a.lowBalance {
				a.notifier.LowBalance(userID, balance, a.lowBalance)
			}
		}
	}
}

func (a *Aggregator) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-a.retention)

	if n, err := a.store.DeleteLogsBefore(ctx, cutoff); err != nil {
		a.logger.Warn("log retention sweep failed", "error", err)
	} else if n > 0 {
		a.logger.Info("log retention sweep", "deleted", n, "cutoff", cutoff)
	}

	if n, err := a.store.PurgeSemanticEntriesBefore(ctx, cutoff); err != nil {
		a.logger.Warn("semantic cache purge failed", "error", err)
	} else if n > 0 {
		a.logger.Info("semantic cache purge", "deleted", n)
	}
}
