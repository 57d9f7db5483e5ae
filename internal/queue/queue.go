// Package queue provides the bounded FIFO backpressure queue that
// absorbs execution requests beyond maxWorkers, each bounded by its own
// timeout and an optional caller cancellation signal.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/agentfront/enclave/internal/poolerrors"
)

// result is what settle delivers to a waiting Enqueue call: payload is
// the value Fulfill was called with (nil on timeout/cancel/clear).
type result struct {
	payload interface{}
	err     error
}

// Entry is one request waiting for a slot.
type Entry struct {
	EnqueuedAt time.Time

	id      uint64
	ctx     context.Context
	done    chan result   // buffered 1; the result delivered to Enqueue
	settled chan struct{} // closed exactly once, guarded by once
	once    sync.Once
	timer   *time.Timer
	cancel  context.CancelFunc // stops the cancellation watcher once settled
}

// Stats is a point-in-time snapshot of queue statistics.
type Stats struct {
	TotalEnqueued int64
	Fulfilled     int64
	TimedOut      int64
	Aborted       int64
	LongestWait   time.Duration
	averageWaitNs int64
	waitSamples   int64
}

// AverageWait returns the mean wait time across all settled entries.
func (s Stats) AverageWait() time.Duration {
	if s.waitSamples == 0 {
		return 0
	}
	return time.Duration(s.averageWaitNs / s.waitSamples)
}

// Queue is a bounded, strictly FIFO waiting line. No priorities: the
// head of the line is always the entry that called Enqueue first.
type Queue struct {
	capacity int
	timeout  time.Duration

	mu      sync.Mutex
	entries []*Entry
	nextID  uint64
	stats   Stats
}

// New creates a Queue with the given capacity and per-entry timeout.
func New(capacity int, timeout time.Duration) *Queue {
	return &Queue{capacity: capacity, timeout: timeout}
}

// Len reports the number of requests currently waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Enqueue waits for a slot to become available via Fulfill, a timeout,
// a cancelled ctx, or the queue being cleared — whichever comes first.
// It fails immediately with QueueFull if the queue is already at
// capacity, and immediately with ExecutionAborted if ctx is already
// done. On success it returns the exact payload the matching Fulfill
// call was given, so the caller never has to re-acquire a slot of its
// own choosing and race a concurrent fresh request for it.
func (q *Queue) Enqueue(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, poolerrors.New(poolerrors.KindExecutionAborted, "")
	}

	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		q.mu.Unlock()
		return nil, poolerrors.New(poolerrors.KindQueueFull, "")
	}

	q.nextID++
	entryCtx, cancel := context.WithCancel(ctx)
	e := &Entry{
		EnqueuedAt: time.Now(),
		id:         q.nextID,
		ctx:        entryCtx,
		done:       make(chan result, 1),
		settled:    make(chan struct{}),
		cancel:     cancel,
	}
	e.timer = time.AfterFunc(q.timeout, func() { q.settle(e, nil, poolerrors.New(poolerrors.KindQueueTimeout, "")) })

	q.entries = append(q.entries, e)
	q.stats.TotalEnqueued++
	q.mu.Unlock()

	go func() {
		select {
		case <-entryCtx.Done():
			if ctx.Err() != nil {
				q.settle(e, nil, poolerrors.New(poolerrors.KindExecutionAborted, ""))
			}
		case <-e.settled:
		}
	}()

	res := <-e.done
	return res.payload, res.err
}

// Fulfill releases the head-of-line entry, if any, handing it payload,
// and reports whether an entry was released. payload is typically the
// now-free slot the released entry should run on; strict-FIFO order
// guarantees the entry that has waited longest gets it, never a
// concurrent request that arrived after the slot freed up.
func (q *Queue) Fulfill(payload interface{}) bool {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.mu.Unlock()

	return q.settle(e, payload, nil) == nil
}

// Clear rejects every pending entry with ExecutionAborted.
func (q *Queue) Clear() {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range pending {
		q.settle(e, nil, poolerrors.New(poolerrors.KindExecutionAborted, ""))
	}
}

// settle delivers payload/err to e exactly once, updating statistics
// and removing e from the waiting list if it is still there. Returns
// nil if this call actually delivered the result, or an error if e had
// already settled.
func (q *Queue) settle(e *Entry, payload interface{}, err error) error {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()

	alreadySettled := true
	e.once.Do(func() {
		alreadySettled = false
		e.done <- result{payload: payload, err: err}
		close(e.settled)
	})
	if alreadySettled {
		return poolerrors.New(poolerrors.KindExecutionAborted, "already settled")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, other := range q.entries {
		if other.id == e.id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}

	wait := time.Since(e.EnqueuedAt)
	if wait > q.stats.LongestWait {
		q.stats.LongestWait = wait
	}
	q.stats.averageWaitNs += int64(wait)
	q.stats.waitSamples++

	switch {
	case err == nil:
		q.stats.Fulfilled++
	default:
		if kind, ok := poolerrors.KindOf(err); ok {
			switch kind {
			case poolerrors.KindQueueTimeout:
				q.stats.TimedOut++
			default:
				q.stats.Aborted++
			}
		}
	}

	return nil
}
