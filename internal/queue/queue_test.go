package queue

import (
	"context"
	"testing"
	"time"

	"github.com/agentfront/enclave/internal/poolerrors"
)

func TestEnqueueFulfillFIFO(t *testing.T) {
	q := New(4, time.Second)

	type release struct {
		index   int
		payload interface{}
	}
	order := make(chan release, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if payload, err := q.Enqueue(context.Background()); err == nil {
				order <- release{index: i, payload: payload}
			}
		}()
		// Start order across goroutines isn't guaranteed, so each waiter
		// is given time to join the queue before the next one starts.
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		if !q.Fulfill(i) {
			t.Fatalf("expected Fulfill to release entry %d", i)
		}
	}

	// The i-th Fulfill must reach the i-th waiter to join the queue.
	for i := 0; i < 3; i++ {
		select {
		case r := <-order:
			if r.payload != r.index {
				t.Errorf("waiter %d received payload %v, want %d", r.index, r.payload, r.index)
			}
		case <-time.After(time.Second):
			t.Fatal("a released waiter never returned")
		}
	}

	if q.Fulfill(nil) {
		t.Error("expected no more entries to release")
	}
}

func TestFulfillDeliversPayloadToOldestWaiter(t *testing.T) {
	q := New(4, time.Second)

	type enqueueResult struct {
		payload interface{}
		err     error
	}
	results := make(chan enqueueResult, 2)
	go func() {
		payload, err := q.Enqueue(context.Background())
		results <- enqueueResult{payload, err}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		payload, err := q.Enqueue(context.Background())
		results <- enqueueResult{payload, err}
	}()
	time.Sleep(10 * time.Millisecond)

	if !q.Fulfill("first") {
		t.Fatal("expected first Fulfill to release an entry")
	}
	first := <-results
	if first.err != nil || first.payload != "first" {
		t.Fatalf("expected oldest waiter to receive %q, got payload=%v err=%v", "first", first.payload, first.err)
	}

	if !q.Fulfill("second") {
		t.Fatal("expected second Fulfill to release an entry")
	}
	second := <-results
	if second.err != nil || second.payload != "second" {
		t.Fatalf("expected second waiter to receive %q, got payload=%v err=%v", "second", second.payload, second.err)
	}
}

func TestEnqueueFullRejects(t *testing.T) {
	q := New(1, time.Second)
	go q.Enqueue(context.Background())
	time.Sleep(10 * time.Millisecond)

	_, err := q.Enqueue(context.Background())
	if kind, _ := poolerrors.KindOf(err); kind != poolerrors.KindQueueFull {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

func TestEnqueueTimeout(t *testing.T) {
	q := New(4, 20*time.Millisecond)
	_, err := q.Enqueue(context.Background())
	if kind, _ := poolerrors.KindOf(err); kind != poolerrors.KindQueueTimeout {
		t.Fatalf("expected QueueTimeout, got %v", err)
	}
}

func TestEnqueueAbortedByCancel(t *testing.T) {
	q := New(4, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Enqueue(ctx)
	if kind, _ := poolerrors.KindOf(err); kind != poolerrors.KindExecutionAborted {
		t.Fatalf("expected ExecutionAborted, got %v", err)
	}
}

func TestEnqueueAbortedByAlreadyCancelledContext(t *testing.T) {
	q := New(4, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Enqueue(ctx)
	if kind, _ := poolerrors.KindOf(err); kind != poolerrors.KindExecutionAborted {
		t.Fatalf("expected ExecutionAborted, got %v", err)
	}
}

func TestClearRejectsAllPending(t *testing.T) {
	q := New(4, time.Second)
	results := make(chan error, 2)

	for i := 0; i < 2; i++ {
		go func() { _, err := q.Enqueue(context.Background()); results <- err }()
	}
	time.Sleep(10 * time.Millisecond)

	q.Clear()

	for i := 0; i < 2; i++ {
		err := <-results
		if kind, _ := poolerrors.KindOf(err); kind != poolerrors.KindExecutionAborted {
			t.Fatalf("expected ExecutionAborted, got %v", err)
		}
	}
}

func TestStatsTrackFulfilledAndTimedOut(t *testing.T) {
	q := New(4, 20*time.Millisecond)

	go q.Enqueue(context.Background())
	time.Sleep(5 * time.Millisecond)
	q.Fulfill(nil)

	// This one is left to time out.
	q.Enqueue(context.Background())

	stats := q.Stats()
	if stats.Fulfilled != 1 {
		t.Errorf("expected 1 fulfilled, got %d", stats.Fulfilled)
	}
	if stats.TimedOut != 1 {
		t.Errorf("expected 1 timed out, got %d", stats.TimedOut)
	}
	if stats.TotalEnqueued != 2 {
		t.Errorf("expected 2 total enqueued, got %d", stats.TotalEnqueued)
	}
}
