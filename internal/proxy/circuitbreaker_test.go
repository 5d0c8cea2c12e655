package proxy

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBreakerStore captures SetChannelStatus calls and signals each one
// on a channel so tests can wait for the async disable.
type recordingBreakerStore struct {
	mu     sync.Mutex
	calls  []statusCall
	signal chan statusCall
}

type statusCall struct {
	id     int64
	status int
}

func newRecordingBreakerStore() *recordingBreakerStore {
	return &recordingBreakerStore{signal: make(chan statusCall, 8)}
}

func (s *recordingBreakerStore) SetChannelStatus(_ context.Context, id int64, status int) error {
	s.mu.Lock()
	call := statusCall{id: id, status: status}
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	s.signal <- call
	return nil
}

func (s *recordingBreakerStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingInvalidator struct {
	mu    sync.Mutex
	count int
}

func (r *recordingInvalidator) Invalidate(context.Context) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *recordingInvalidator) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type recordingBreakerNotifier struct {
	mu       sync.Mutex
	disabled []int64
}

func (n *recordingBreakerNotifier) ChannelDisabled(channelID int64, _, _ string) {
	n.mu.Lock()
	n.disabled = append(n.disabled, channelID)
	n.mu.Unlock()
}

func waitForStatus(t *testing.T, st *recordingBreakerStore) statusCall {
	t.Helper()
	select {
	case call := <-st.signal:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel status change")
		return statusCall{}
	}
}

func testChannel(id int64) *store.Channel {
	return &store.Channel{ID: id, Name: "test-channel", Type: 1, Status: store.ChannelEnabled}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	st := newRecordingBreakerStore()
	inv := &recordingInvalidator{}
	notif := &recordingBreakerNotifier{}
	b := NewBreaker(st, inv, notif, nil, testLogger(), 3)

	ch := testChannel(7)
	b.RecordFailure(ch, "http_500")
	b.RecordFailure(ch, "http_500")
	if st.count() != 0 {
		t.Fatalf("channel disabled after %d failures, want none before threshold", 2)
	}

	b.RecordFailure(ch, "http_500")
	call := waitForStatus(t, st)
	if call.id != 7 || call.status != store.ChannelAutoDisabled {
		t.Fatalf("got status call %+v, want id=7 status=%d", call, store.ChannelAutoDisabled)
	}

	// The invalidate and notification follow the status flip in the same
	// goroutine; give them a moment to land.
	waitFor(t, func() bool { return inv.calls() == 1 })
	waitFor(t, func() bool {
		notif.mu.Lock()
		defer notif.mu.Unlock()
		return len(notif.disabled) == 1 && notif.disabled[0] == 7
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	st := newRecordingBreakerStore()
	b := NewBreaker(st, &recordingInvalidator{}, nil, nil, testLogger(), 3)

	ch := testChannel(1)
	b.RecordFailure(ch, "timeout")
	b.RecordFailure(ch, "timeout")
	b.RecordSuccess(ch.ID)

	if got := b.Failures(ch.ID); got != 0 {
		t.Fatalf("failures after success = %d, want 0", got)
	}

	// Two more failures after the reset must not trip.
	b.RecordFailure(ch, "timeout")
	b.RecordFailure(ch, "timeout")
	if st.count() != 0 {
		t.Fatal("breaker tripped despite counter reset")
	}
}

func TestBreakerCounterClearsOnTrip(t *testing.T) {
	st := newRecordingBreakerStore()
	b := NewBreaker(st, &recordingInvalidator{}, nil, nil, testLogger(), 2)

	ch := testChannel(3)
	b.RecordFailure(ch, "http_502")
	b.RecordFailure(ch, "http_502")
	waitForStatus(t, st)

	if got := b.Failures(ch.ID); got != 0 {
		t.Fatalf("failures after trip = %d, want 0", got)
	}
}

func TestBreakerChannelsAreIndependent(t *testing.T) {
	st := newRecordingBreakerStore()
	b := NewBreaker(st, &recordingInvalidator{}, nil, nil, testLogger(), 2)

	b.RecordFailure(testChannel(1), "http_500")
	b.RecordFailure(testChannel(2), "http_500")

	if st.count() != 0 {
		t.Fatal("a single failure per channel must not trip either breaker")
	}
	if b.Failures(1) != 1 || b.Failures(2) != 1 {
		t.Fatalf("failures = %d/%d, want 1/1", b.Failures(1), b.Failures(2))
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"http 500", &UpstreamError{Status: 500}, "http_500"},
		{"http 429", &UpstreamError{Status: 429}, "http_429"},
		{"plain error", errors.New("connection refused"), "network"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyError(tc.err); got != tc.want {
				t.Fatalf("classifyError(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
