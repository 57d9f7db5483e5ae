// Package memmon periodically samples worker resource usage and flags
// workers that have exceeded their memory envelope.
//
// The rss field of a sample is the only number tracked for the kill
// decision: a process-wide memory figure captures ArrayBuffer
// allocations, native addons, and JIT-compiled code, where heapUsed
// alone would miss all three. What rss holds is whatever the worker
// reports (see internal/worker's sampleHeartbeat).
package memmon

import (
	"sync"
	"time"

	"github.com/agentfront/enclave/internal/protocol"
)

// Sample is one resource-usage reading for a single slot.
type Sample struct {
	SlotID string
	Usage  protocol.ResourceUsage
	At     time.Time
}

// Monitor tracks the latest sample per slot and flags breaches of
// limitBytes on demand.
type Monitor struct {
	limitBytes int64

	mu      sync.Mutex
	samples map[string]Sample
	peak    int64
	sumRSS  int64
	count   int64
}

// New creates a Monitor enforcing limitBytes of resident set size per
// worker.
func New(limitBytes int64) *Monitor {
	return &Monitor{
		limitBytes: limitBytes,
		samples:    make(map[string]Sample),
	}
}

// Record stores the latest usage sample for slotID and aggregates it
// into pool-wide peak/average metrics. It does not itself decide
// whether to kill anything — call Exceeds after Record to check.
func (m *Monitor) Record(slotID string, usage protocol.ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[slotID] = Sample{SlotID: slotID, Usage: usage, At: time.Now()}
	if usage.RSS > m.peak {
		m.peak = usage.RSS
	}
	m.sumRSS += usage.RSS
	m.count++
}

// Exceeds reports whether slotID's latest recorded RSS is strictly
// greater than the configured limit. Exactly at the limit is not a
// breach.
func (m *Monitor) Exceeds(slotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.samples[slotID]
	if !ok {
		return false
	}
	return s.Usage.RSS > m.limitBytes
}

// Forget drops a terminated slot's latest sample so Exceeds and Latest
// no longer report it. The cumulative peak and average returned by
// Aggregate are not changed.
func (m *Monitor) Forget(slotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.samples, slotID)
}

// Latest returns the most recent sample recorded for slotID.
func (m *Monitor) Latest(slotID string) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[slotID]
	return s, ok
}

// AggregateStats is a point-in-time rollup across every sample ever
// recorded (not just currently-live slots).
type AggregateStats struct {
	PeakRSSBytes int64
	AvgRSSBytes  int64
}

// Aggregate returns the pool-wide peak and average RSS seen so far.
func (m *Monitor) Aggregate() AggregateStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg int64
	if m.count > 0 {
		avg = m.sumRSS / m.count
	}
	return AggregateStats{PeakRSSBytes: m.peak, AvgRSSBytes: avg}
}

// Ticker drives periodic checks at a fixed interval, calling onCheck
// once per tick; onCheck itself walks whatever slots it cares about. It
// is started by the Pool Manager, not by individual slots, so a single
// ticker goroutine serves the whole pool.
type Ticker struct {
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewTicker creates a Ticker that will call onCheck every interval
// until Stop is called.
func NewTicker(interval time.Duration, onCheck func()) *Ticker {
	t := &Ticker{interval: interval, stop: make(chan struct{})}
	go t.run(onCheck)
	return t
}

func (t *Ticker) run(onCheck func()) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			onCheck()
		case <-t.stop:
			return
		}
	}
}

// Stop halts the ticker. Idempotent.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}
