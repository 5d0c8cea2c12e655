package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/store"
)

type fakeBillingStore struct {
	mu       sync.Mutex
	commits  [][]store.UsageRecord
	balances map[int64]int64
	failNext bool
}

func (f *fakeBillingStore) CommitUsage(_ context.Context, recs []store.UsageRecord) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("db down")
	}
	f.commits = append(f.commits, recs)
	return f.balances, nil
}

func (f *fakeBillingStore) DeleteLogsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeBillingStore) PurgeSemanticEntriesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []int64
}

func (f *fakeNotifier) LowBalance(userID, _, _ int64) {
	f.mu.Lock()
	f.alerts = append(f.alerts, userID)
	f.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFlushCommitsQueuedTasks(t *testing.T) {
	fs := &fakeBillingStore{balances: map[int64]int64{}}
	a := New(fs, nil, nil, nil, testLogger(), time.Second, 0, 0)

	a.Enqueue(Task{UserID: 1, TokenID: 2, ChannelID: 3, ModelName: "gpt-3.5-turbo",
		UserGroup: "default", PromptTokens: 100, CompletionTokens: 200})
	a.Flush(context.Background())

	if len(fs.commits) != 1 || len(fs.commits[0]) != 1 {
		t.Fatalf("commits = %v, want one batch of one record", fs.commits)
	}
	rec := fs.commits[0][0]
	if rec.Cost != 366 {
		t.Errorf("cost = %d, want 366", rec.Cost)
	}
	if rec.CreatedAt.IsZero() {
		t.Errorf("CreatedAt not defaulted")
	}
}

func TestEnqueueDropsZeroTokenTasks(t *testing.T) {
	fs := &fakeBillingStore{}
	a := New(fs, nil, nil, nil, testLogger(), time.Second, 0, 0)

	a.Enqueue(Task{UserID: 1, ModelName: "gpt-4"})
	a.Flush(context.Background())

	if len(fs.commits) != 0 {
		t.Errorf("zero-token task was committed: %v", fs.commits)
	}
}

func TestFlushAggregatesBatch(t *testing.T) {
	fs := &fakeBillingStore{balances: map[int64]int64{}}
	a := New(fs, nil, nil, nil, testLogger(), time.Second, 0, 0)

	for i := 0; i < 5; i++ {
		a.Enqueue(Task{UserID: 1, TokenID: 2, ModelName: "gpt-4",
			UserGroup: "default", PromptTokens: 10, CompletionTokens: 1})
	}
	a.Flush(context.Background())

	if len(fs.commits) != 1 {
		t.Fatalf("commit batches = %d, want 1", len(fs.commits))
	}
	if len(fs.commits[0]) != 5 {
		t.Errorf("batch size = %d, want all 5 queued tasks", len(fs.commits[0]))
	}
}

func TestFlushRequeuesOnFailure(t *testing.T) {
	fs := &fakeBillingStore{balances: map[int64]int64{}, failNext: true}
	a := New(fs, nil, nil, nil, testLogger(), time.Second, 0, 0)

	a.Enqueue(Task{UserID: 1, ModelName: "gpt-4", UserGroup: "default",
		PromptTokens: 1, CompletionTokens: 1})
	a.Flush(context.Background())

	if len(fs.commits) != 0 {
		t.Fatal("failed commit was recorded")
	}

	// The batch went back to the queue; the next flush lands it.
	a.Flush(context.Background())
	if len(fs.commits) != 1 || len(fs.commits[0]) != 1 {
		t.Errorf("re-queued batch not committed on retry: %v", fs.commits)
	}
}

func TestFlushRequeuePreservesOrder(t *testing.T) {
	fs := &fakeBillingStore{balances: map[int64]int64{}, failNext: true}
	a := New(fs, nil, nil, nil, testLogger(), time.Second, 0, 0)

	a.Enqueue(Task{UserID: 1, ModelName: "first", UserGroup: "default", PromptTokens: 1})
	a.Flush(context.Background()) // fails, re-queues "first"
	a.Enqueue(Task{UserID: 1, ModelName: "second", UserGroup: "default", PromptTokens: 1})
	a.Flush(context.Background())

	recs := fs.commits[0]
	if len(recs) != 2 || recs[0].ModelName != "first" || recs[1].ModelName != "second" {
		t.Errorf("requeued batch must flush ahead of newer tasks: %v", recs)
	}
}

func TestFlushFiresLowBalanceAlerts(t *testing.T) {
	fs := &fakeBillingStore{balances: map[int64]int64{1: 100, 2: 9000}}
	n := &fakeNotifier{}
	a := New(fs, nil, n, nil, testLogger(), time.Second, 5000, 0)

	a.Enqueue(Task{UserID: 1, TokenID: 1, ModelName: "gpt-4", UserGroup: "default", PromptTokens: 1})
	a.Flush(context.Background())

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.alerts) != 1 || n.alerts[0] != 1 {
		t.Errorf("alerts = %v, want only user 1", n.alerts)
	}
}
