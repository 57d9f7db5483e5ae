// Package pool implements the Pool Manager: it keeps a live set of
// Worker Slots between configured bounds, dispatches execution
// requests to them, queues overflow, reclaims idle and misbehaving
// slots, and reports aggregate metrics and a lifecycle event stream.
package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentfront/enclave/internal/audit"
	"github.com/agentfront/enclave/internal/config"
	"github.com/agentfront/enclave/internal/memmon"
	"github.com/agentfront/enclave/internal/poolerrors"
	"github.com/agentfront/enclave/internal/queue"
	"github.com/agentfront/enclave/internal/sessionctx"
	"github.com/agentfront/enclave/internal/slot"
)

// Request is one execution request submitted to the pool. Tools is
// resolved by the caller (the HTTP transport or a direct Go caller)
// into live handlers before the request reaches the pool — the pool
// itself has no notion of a tool registry, only of handlers.
// ExecutionID is optional: supply it when a caller (such as the HTTP
// transport) has already correlated this execution with a session
// context entry keyed by the same id; Pool generates one otherwise.
type Request struct {
	ExecutionID string
	Code        string
	Input       interface{}
	Self        interface{}
	Runtime     map[string]interface{}
	Tools       map[string]slot.ToolHandler
	Timeout     time.Duration
}

// Pool is the Pool Manager. Construct with New, then call Initialize
// before accepting work if the config asks for warm-up.
type Pool struct {
	cfg      config.Config
	launcher slot.Launcher
	monitor  *memmon.Monitor
	queue    *queue.Queue
	logger   *zap.Logger

	auditSink    audit.Sink
	sessionStore sessionctx.Store

	memTicker *memmon.Ticker

	events chan Event

	mu        sync.Mutex
	slots     map[string]*slot.Slot
	reserved  map[string]bool
	idleTimer map[string]*time.Timer
	disposed  bool
	nextID    uint64

	metrics metricsState
}

type metricsState struct {
	created               int64
	totalExecutions       int64
	successfulExecutions  int64
	failedExecutions      int64
	timeoutExecutions     int64
	memoryKills           int64
	forcedTerminations    int64
	workerRecycles        int64
	totalExecDurationMsNs int64
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLogger sets the logger used for slot and pool lifecycle
// messages. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithLauncher overrides the default fork-based worker launcher. Tests
// use this to substitute slot.NewInProcessLauncher.
func WithLauncher(l slot.Launcher) Option {
	return func(p *Pool) { p.launcher = l }
}

// WithWorkerBinary overrides the sandbox-worker binary and arguments
// the default fork launcher execs. Unset, New locates a sibling
// `sandbox-worker` binary (see defaultWorkerBinary).
func WithWorkerBinary(binary string, args []string) Option {
	return func(p *Pool) { p.launcher = slot.NewForkLauncher(binary, args, nil, p.cfg.MaxMessageSizeBytes) }
}

// WithEventBroadcaster enables the pool's lifecycle event stream,
// buffered to size entries. A slow or absent consumer never blocks the
// pool: once the buffer is full, further events are dropped rather
// than backing up onto the execution path.
func WithEventBroadcaster(size int) Option {
	return func(p *Pool) { p.events = make(chan Event, size) }
}

// WithAuditSink attaches an append-only audit trail. runOn calls its
// Write once for every execution that reached a slot; requests rejected
// before that are not recorded. Write is called on the dispatch path, so
// the Sink itself must return quickly (see audit.Sink).
func WithAuditSink(sink audit.Sink) Option {
	return func(p *Pool) { p.auditSink = sink }
}

// WithSessionStore attaches the session-context store the HTTP
// transport populates per request. The Pool Manager only ever deletes
// from it, on an execution's terminal event — it never writes to it.
func WithSessionStore(store sessionctx.Store) Option {
	return func(p *Pool) { p.sessionStore = store }
}

// New constructs a Pool with no external dependencies beyond cfg: a
// bare pool.New(cfg) satisfies every invariant on its own, launching
// sandbox-worker as a sibling binary. It does not launch any workers —
// call Initialize to warm up, or let the first Execute create slots on
// demand.
func New(cfg config.Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:          cfg,
		monitor:      memmon.New(cfg.MemoryLimitPerWorker),
		queue:        queue.New(cfg.MaxQueueSize, cfg.QueueTimeout),
		logger:       zap.NewNop(),
		auditSink:    audit.NoopSink{},
		sessionStore: sessionctx.NoopStore{},
		slots:        make(map[string]*slot.Slot),
		reserved:     make(map[string]bool),
		idleTimer:    make(map[string]*time.Timer),
	}
	p.launcher = slot.NewForkLauncher(defaultWorkerBinary(), nil, nil, cfg.MaxMessageSizeBytes)

	for _, o := range opts {
		o(p)
	}

	p.memTicker = memmon.NewTicker(cfg.MemoryCheckInterval, p.checkMemory)
	return p
}

// defaultWorkerBinary locates the sandbox-worker binary installed
// alongside the current executable, falling back to PATH lookup. A
// caller that ships the worker somewhere else uses WithWorkerBinary.
func defaultWorkerBinary() string {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "sandbox-worker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	if p, err := exec.LookPath("sandbox-worker"); err == nil {
		return p
	}
	return "sandbox-worker"
}

// Events returns the pool's lifecycle event stream. Returns nil if
// WithEventBroadcaster was not supplied.
func (p *Pool) Events() <-chan Event { return p.events }

// Initialize creates MinWorkers slots concurrently via errgroup,
// failing fast on the first WorkerStartup error and cancelling the
// rest. A no-op if the config does not request warm-up.
func (p *Pool) Initialize(ctx context.Context) error {
	if !p.cfg.WarmOnInit {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		g.Go(func() error {
			_, err := p.spawnSlot(gctx)
			return err
		})
	}
	return g.Wait()
}

// Execute runs one request to completion: an idle slot is reused if
// one exists, a new slot is created if the pool has room to grow, and
// otherwise the request waits in the bounded FIFO queue. ctx
// cancellation aborts a queued or in-flight execution alike.
func (p *Pool) Execute(ctx context.Context, req Request) (slot.Outcome, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return slot.Outcome{}, poolerrors.New(poolerrors.KindWorkerPoolDisposed, "")
	}
	if s := p.pickIdleLocked(); s != nil {
		p.mu.Unlock()
		return p.runOn(ctx, s, req)
	}
	canGrow := len(p.slots) < p.cfg.MaxWorkers
	p.mu.Unlock()

	if canGrow {
		s, err := p.spawnSlot(ctx)
		if err == nil {
			return p.runOn(ctx, s, req)
		}
		p.logger.Warn("slot startup failed, falling back to the queue", zap.Error(err))
		// Fall through to the queue: another Execute may have grown
		// the pool in the meantime, or there may simply be room to
		// wait for an existing slot to free up.
	}

	p.emitQueue(QueueEnqueued)
	payload, err := p.queue.Enqueue(ctx)
	if err != nil {
		p.emitQueue(queueOutcomeOf(err))
		p.recordFailure(err)
		return slot.Outcome{}, err
	}
	p.emitQueue(QueueFulfilled)

	// payload is the exact slot handleSlotEvent reserved for this entry
	// when it called queue.Fulfill — never a generic pickIdleLocked,
	// which a concurrent fresh Execute could otherwise win the race for.
	s, ok := payload.(*slot.Slot)
	if !ok || s == nil {
		err := poolerrors.New(poolerrors.KindExecutionAborted, "no slot available after dequeue")
		p.recordFailure(err)
		return slot.Outcome{}, err
	}
	return p.runOn(ctx, s, req)
}

// pickIdleLocked must be called with p.mu held. It returns the idle,
// unreserved slot with the fewest executions since birth — spreading
// wear evenly — and marks it reserved so a concurrent Execute cannot
// pick it again before Dispatch has actually flipped its status.
func (p *Pool) pickIdleLocked() *slot.Slot {
	var best *slot.Slot
	for id, s := range p.slots {
		if p.reserved[id] || s.Status() != slot.StatusIdle {
			continue
		}
		if best == nil || s.ExecutionsSinceBirth() < best.ExecutionsSinceBirth() {
			best = s
		}
	}
	if best != nil {
		p.reserved[best.ID()] = true
		p.cancelIdleTimerLocked(best.ID())
	}
	return best
}

func (p *Pool) runOn(ctx context.Context, s *slot.Slot, req Request) (slot.Outcome, error) {
	defer func() {
		p.mu.Lock()
		// A slot that came back idle was already either handed to a
		// queued waiter (and stays reserved for it) or released by
		// handleSlotEvent; only a slot that did not return to idle still
		// holds this execution's reservation.
		if s.Status() != slot.StatusIdle {
			delete(p.reserved, s.ID())
		}
		p.mu.Unlock()
	}()

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = newExecutionID()
	}

	start := time.Now()
	out, err := s.Dispatch(ctx, slot.Request{
		ExecutionID: executionID,
		Code:        req.Code,
		Input:       req.Input,
		Self:        req.Self,
		Runtime:     req.Runtime,
		Tools:       req.Tools,
		Timeout:     req.Timeout,
		Cancel:      ctx.Done(),
	})
	dur := time.Since(start)
	p.recordExecution(out, err, dur)

	var peakRSS int64
	if sample, ok := p.monitor.Latest(s.ID()); ok {
		peakRSS = sample.Usage.RSS
	}
	kind, _ := poolerrors.KindOf(err)
	p.auditSink.Write(context.Background(), audit.Record{
		ExecutionID:  executionID,
		SlotID:       s.ID(),
		OK:           err == nil && out.OK,
		ErrorKind:    string(kind),
		DurationMs:   dur.Milliseconds(),
		PeakRSSBytes: peakRSS,
		OccurredAt:   time.Now(),
	})

	// Deletion is fire-and-forget: a session-context round trip must
	// never add latency to the caller-visible dispatch path.
	go p.sessionStore.Delete(context.Background(), executionID)

	return out, err
}

var executionSeq uint64

// newExecutionID produces a monotonically increasing identifier
// without calling time.Now or math/rand, both disallowed on this
// path's hot loop during tests.
func newExecutionID() string {
	n := atomic.AddUint64(&executionSeq, 1)
	return fmt.Sprintf("exec-%d", n)
}

func (p *Pool) spawnSlot(ctx context.Context) (*slot.Slot, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, poolerrors.New(poolerrors.KindWorkerPoolDisposed, "")
	}
	p.nextID++
	id := fmt.Sprintf("slot-%d", p.nextID)
	p.mu.Unlock()

	s := slot.New(id, p.cfg, p.launcher, p.monitor, p.handleSlotEvent, p.handleSlotTerminated)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		s.ForceTerminate()
		return nil, poolerrors.New(poolerrors.KindWorkerPoolDisposed, "")
	}
	p.slots[id] = s
	p.reserved[id] = true
	p.mu.Unlock()

	atomic.AddInt64(&p.metrics.created, 1)
	p.logger.Debug("slot created", zap.String("slot_id", id))
	return s, nil
}

// handleSlotEvent forwards slot lifecycle transitions to the event
// broadcaster and drives idle-driven behavior: waking a queued
// waiter and, failing that, arming the idle-timeout shrink check.
func (p *Pool) handleSlotEvent(e slot.Event) {
	p.emitSlot(e)

	switch e.Status {
	case slot.StatusIdle:
		// Reserve the slot before handing it to Fulfill, so a concurrent
		// Execute's pickIdleLocked cannot also claim it while the
		// dequeued waiter is still on its way to runOn.
		p.mu.Lock()
		s := p.slots[e.SlotID]
		if s != nil {
			p.reserved[e.SlotID] = true
		}
		p.mu.Unlock()

		if s != nil && p.queue.Fulfill(s) {
			return
		}
		if s != nil {
			p.mu.Lock()
			delete(p.reserved, e.SlotID)
			p.mu.Unlock()
		}
		p.armIdleTimer(e.SlotID)
	case slot.StatusRecycling:
		atomic.AddInt64(&p.metrics.workerRecycles, 1)
		p.mu.Lock()
		p.cancelIdleTimerLocked(e.SlotID)
		p.mu.Unlock()
	}
}

// armIdleTimer schedules a shrink check for slotID once IdleTimeout
// elapses, replacing any timer already pending for it.
func (p *Pool) armIdleTimer(slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.cancelIdleTimerLocked(slotID)
	p.idleTimer[slotID] = time.AfterFunc(p.cfg.IdleTimeout, func() { p.maybeShrink(slotID) })
}

func (p *Pool) cancelIdleTimerLocked(slotID string) {
	if t, ok := p.idleTimer[slotID]; ok {
		t.Stop()
		delete(p.idleTimer, slotID)
	}
}

// maybeShrink recycles slotID if it is still idle and the pool has
// more than MinWorkers idle slots. The Pool Manager observes the resulting
// termination via handleSlotTerminated and re-warms if needed.
func (p *Pool) maybeShrink(slotID string) {
	p.mu.Lock()
	delete(p.idleTimer, slotID)
	if p.disposed {
		p.mu.Unlock()
		return
	}
	s, ok := p.slots[slotID]
	if !ok || s.Status() != slot.StatusIdle {
		p.mu.Unlock()
		return
	}
	idle := 0
	for _, other := range p.slots {
		if other.Status() == slot.StatusIdle {
			idle++
		}
	}
	shrink := idle > p.cfg.MinWorkers
	p.mu.Unlock()

	if shrink {
		s.BeginRecycle()
	}
}

// handleSlotTerminated removes a fully terminated slot from the live
// set and re-warms toward MinWorkers if the pool is still in service.
func (p *Pool) handleSlotTerminated(s *slot.Slot) {
	p.mu.Lock()
	delete(p.slots, s.ID())
	delete(p.reserved, s.ID())
	p.cancelIdleTimerLocked(s.ID())
	disposed := p.disposed
	short := p.cfg.MinWorkers - len(p.slots)
	p.mu.Unlock()

	if disposed || short <= 0 {
		return
	}
	go func() {
		for i := 0; i < short; i++ {
			if _, err := p.spawnSlot(context.Background()); err != nil {
				p.logger.Warn("replacement slot failed to start", zap.Error(err))
				return
			}
		}
	}()
}

// checkMemory is the memory monitor ticker's callback: it asks the
// shared Monitor whether each live slot's latest RSS sample breaches
// the configured limit, and force-terminates any that do.
func (p *Pool) checkMemory() {
	p.mu.Lock()
	slots := make([]*slot.Slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	for _, s := range slots {
		switch s.Status() {
		case slot.StatusTerminating, slot.StatusTerminated:
			continue
		}
		if p.monitor.Exceeds(s.ID()) {
			atomic.AddInt64(&p.metrics.memoryKills, 1)
			s.TerminateForMemory()
		}
	}
}

func (p *Pool) recordExecution(out slot.Outcome, err error, dur time.Duration) {
	atomic.AddInt64(&p.metrics.totalExecutions, 1)
	atomic.AddInt64(&p.metrics.totalExecDurationMsNs, dur.Milliseconds())

	if err == nil {
		if out.OK {
			atomic.AddInt64(&p.metrics.successfulExecutions, 1)
		} else {
			atomic.AddInt64(&p.metrics.failedExecutions, 1)
		}
		return
	}

	kind, _ := poolerrors.KindOf(err)
	switch kind {
	case poolerrors.KindWorkerTimeout:
		atomic.AddInt64(&p.metrics.timeoutExecutions, 1)
		atomic.AddInt64(&p.metrics.forcedTerminations, 1)
	case poolerrors.KindWorkerMemory, poolerrors.KindWorkerCrashed,
		poolerrors.KindMessageFlood, poolerrors.KindMessageValidation,
		poolerrors.KindMessageSize, poolerrors.KindTooManyPendingCalls:
		atomic.AddInt64(&p.metrics.failedExecutions, 1)
		atomic.AddInt64(&p.metrics.forcedTerminations, 1)
	default:
		atomic.AddInt64(&p.metrics.failedExecutions, 1)
	}
}

// recordFailure accounts an execution that went to the queue and never
// reached a slot (queue full, queue timeout, abort, or no slot after
// dequeue). A request rejected because the pool is disposed is not
// counted.
func (p *Pool) recordFailure(err error) {
	atomic.AddInt64(&p.metrics.totalExecutions, 1)
	atomic.AddInt64(&p.metrics.failedExecutions, 1)
	if kind, ok := poolerrors.KindOf(err); ok && kind == poolerrors.KindQueueTimeout {
		atomic.AddInt64(&p.metrics.timeoutExecutions, 1)
	}
}

// Dispose marks the pool unusable, rejects every queued request with
// ExecutionAborted, and force-terminates every live slot, waiting up
// to GracefulShutdownTimeout per slot for a clean exit. Idempotent.
func (p *Pool) Dispose(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	slots := make([]*slot.Slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	for _, t := range p.idleTimer {
		t.Stop()
	}
	p.idleTimer = make(map[string]*time.Timer)
	p.mu.Unlock()

	p.memTicker.Stop()
	p.queue.Clear()

	for _, s := range slots {
		s.ForceTerminate()
	}
	for _, s := range slots {
		select {
		case <-s.Done():
		case <-ctx.Done():
		case <-time.After(p.cfg.GracefulShutdownTimeout):
		}
	}
	if p.events != nil {
		close(p.events)
	}
	return nil
}

// Metrics is a point-in-time snapshot of pool health, matching
// spec.md's PoolMetrics shape.
type Metrics struct {
	TotalSlots     int
	IdleSlots      int
	ExecutingSlots int
	RecyclingSlots int
	QueuedRequests int

	TotalExecutions      int64
	SuccessfulExecutions int64
	FailedExecutions     int64
	TimeoutExecutions    int64
	MemoryKills          int64
	ForcedTerminations   int64
	WorkerRecycles       int64

	AvgExecutionTimeMs float64

	AvgWorkerMemoryBytes  int64
	PeakWorkerMemoryBytes int64

	QueueLongestWait time.Duration
	QueueAvgWait     time.Duration
	QueueFulfilled    int64
	QueueTimedOut     int64
	QueueAborted      int64
}

// Metrics returns a snapshot of the pool's current state.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	var idle, executing, recycling int
	for _, s := range p.slots {
		switch s.Status() {
		case slot.StatusIdle:
			idle++
		case slot.StatusExecuting:
			executing++
		case slot.StatusRecycling:
			recycling++
		}
	}
	total := len(p.slots)
	p.mu.Unlock()

	agg := p.monitor.Aggregate()
	qs := p.queue.Stats()

	totalExec := atomic.LoadInt64(&p.metrics.totalExecutions)
	var avgExec float64
	if totalExec > 0 {
		avgExec = float64(atomic.LoadInt64(&p.metrics.totalExecDurationMsNs)) / float64(totalExec)
	}

	return Metrics{
		TotalSlots:     total,
		IdleSlots:      idle,
		ExecutingSlots: executing,
		RecyclingSlots: recycling,
		QueuedRequests: p.queue.Len(),

		TotalExecutions:      totalExec,
		SuccessfulExecutions: atomic.LoadInt64(&p.metrics.successfulExecutions),
		FailedExecutions:     atomic.LoadInt64(&p.metrics.failedExecutions),
		TimeoutExecutions:    atomic.LoadInt64(&p.metrics.timeoutExecutions),
		MemoryKills:          atomic.LoadInt64(&p.metrics.memoryKills),
		ForcedTerminations:   atomic.LoadInt64(&p.metrics.forcedTerminations),
		WorkerRecycles:       atomic.LoadInt64(&p.metrics.workerRecycles),

		AvgExecutionTimeMs: avgExec,

		AvgWorkerMemoryBytes:  agg.AvgRSSBytes,
		PeakWorkerMemoryBytes: agg.PeakRSSBytes,

		QueueLongestWait: qs.LongestWait,
		QueueAvgWait:     qs.AverageWait(),
		QueueFulfilled:   qs.Fulfilled,
		QueueTimedOut:    qs.TimedOut,
		QueueAborted:     qs.Aborted,
	}
}
