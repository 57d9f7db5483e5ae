package slot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentfront/enclave/internal/codec"
	"github.com/agentfront/enclave/internal/config"
	"github.com/agentfront/enclave/internal/memmon"
	"github.com/agentfront/enclave/internal/poolerrors"
	"github.com/agentfront/enclave/internal/protocol"
	"github.com/agentfront/enclave/internal/ratelimit"
)

// Status is one state in the Worker Slot state machine (spec.md §4.5).
type Status string

const (
	StatusCreated     Status = "created"
	StatusIdle        Status = "idle"
	StatusExecuting   Status = "executing"
	StatusRecycling   Status = "recycling"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// ToolHandler answers one host-tool call from sandboxed code. A panic
// or error returned here never kills the slot — it always becomes a
// ToolResponse{error}.
type ToolHandler func(ctx context.Context, args interface{}) (interface{}, error)

// Request is what the Pool Manager asks a Slot to run.
type Request struct {
	ExecutionID string
	Code        string
	Input       interface{}
	Self        interface{}
	Runtime     map[string]interface{}
	Tools       map[string]ToolHandler
	Timeout     time.Duration
	Cancel      <-chan struct{}
}

// Outcome is the worker's answer to a Request that completed the
// round trip. OK/Value/Error mirror the worker's own ExecutionResult —
// a script-level failure (OK:false) is not a pool error, it is a
// regular outcome the caller inspects like any other return value.
type Outcome struct {
	OK    bool
	Value interface{}
	Error string
	Stats protocol.ExecutionStats
}

// Event is a slot lifecycle notification for the Pool Manager's
// observability stream (spec.md §6 Observability).
type Event struct {
	SlotID string
	Status Status
	At     time.Time
}

// Slot is a persistent record owned exclusively by the Pool Manager,
// paired with one OS-isolated worker process.
type Slot struct {
	id      string
	cfg     config.Config
	launch  Launcher
	limiter *ratelimit.Limiter
	monitor *memmon.Monitor
	codec   *codec.Codec

	onEvent      func(Event)
	onTerminated func(*Slot)

	proc    Proc
	readyCh chan struct{}

	mu                    sync.Mutex
	status                Status
	executionID           string
	executionsSinceBirth  int
	birthTimestamp        time.Time
	currentTools          map[string]ToolHandler
	execCtx               context.Context
	execCancel            context.CancelFunc
	resultCh              chan protocol.ExecutionResult
	execTermCh            chan *poolerrors.PoolError
	lastUsage             protocol.ResourceUsage

	pendingMu sync.Mutex
	pending   map[string]struct{}

	doneOnce sync.Once
	done     chan struct{}
}

// New constructs a Slot that has not yet been started.
func New(id string, cfg config.Config, launch Launcher, monitor *memmon.Monitor, onEvent func(Event), onTerminated func(*Slot)) *Slot {
	return &Slot{
		id:      id,
		cfg:     cfg,
		launch:  launch,
		limiter: ratelimit.New(cfg.MaxMessagesPerSecond),
		monitor: monitor,
		codec:   codec.New(cfg.MaxMessageSizeBytes),

		onEvent:      onEvent,
		onTerminated: onTerminated,

		status:  StatusCreated,
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the slot's stable identifier.
func (s *Slot) ID() string { return s.id }

// Status reports the slot's current state.
func (s *Slot) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExecutionsSinceBirth reports how many executions this slot's worker
// has completed. The Pool Manager uses this for wear-spreading slot
// selection and the Slot uses it to decide when to recycle.
func (s *Slot) ExecutionsSinceBirth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionsSinceBirth
}

// BirthTimestamp reports when Start completed.
func (s *Slot) BirthTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.birthTimestamp
}

// Done is closed once the slot has fully terminated and its worker
// process has exited.
func (s *Slot) Done() <-chan struct{} { return s.done }

func (s *Slot) emit(status Status) {
	if s.onEvent != nil {
		s.onEvent(Event{SlotID: s.id, Status: status, At: time.Now()})
	}
}

// Start launches the worker process and waits for it to signal Ready,
// transitioning created -> idle. A worker that never signals Ready
// within GracefulShutdownTimeout fails with WorkerStartup.
func (s *Slot) Start(ctx context.Context) error {
	s.emit(StatusCreated)

	proc, err := s.launch()
	if err != nil {
		return poolerrors.Wrap(poolerrors.KindWorkerStartup, err)
	}
	s.proc = proc
	s.readyCh = make(chan struct{}, 1)

	go s.readLoop()

	select {
	case <-s.readyCh:
	case <-time.After(s.cfg.GracefulShutdownTimeout):
		proc.Kill()
		return poolerrors.New(poolerrors.KindWorkerStartup, "worker did not signal ready in time")
	case <-ctx.Done():
		proc.Kill()
		return poolerrors.Wrap(poolerrors.KindWorkerStartup, ctx.Err())
	}

	s.mu.Lock()
	s.birthTimestamp = time.Now()
	s.status = StatusIdle
	s.mu.Unlock()
	s.emit(StatusIdle)
	return nil
}

// Dispatch sends one Execute to the worker and waits for its
// ExecutionResult, a timeout, cancellation, or an asynchronous
// termination (memory kill, message flood, crash) — whichever comes
// first. Exactly one Execute is sent; all ToolCalls are routed before
// the result is observed.
func (s *Slot) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	// execCtx carries the execution's own deadline (distinct from ctx,
	// which may be the caller's broader request context) down to every
	// host-tool handler invoked for this execution, so a tool like
	// elicit() observes the same bound Dispatch itself waits on, and a
	// handler still running when the execution ends is cancelled with it.
	execCtx, execCancel := context.WithTimeout(ctx, timeout)
	defer execCancel()

	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("slot %s: dispatch called while status=%s", s.id, s.status)
	}
	s.status = StatusExecuting
	s.executionID = req.ExecutionID
	s.currentTools = req.Tools
	s.execCtx = execCtx
	s.execCancel = execCancel
	resultCh := make(chan protocol.ExecutionResult, 1)
	termCh := make(chan *poolerrors.PoolError, 1)
	s.resultCh = resultCh
	s.execTermCh = termCh
	s.mu.Unlock()
	s.emit(StatusExecuting)

	toolNames := make([]string, 0, len(req.Tools))
	for name := range req.Tools {
		toolNames = append(toolNames, name)
	}

	execMsg := protocol.NewExecute(req.ExecutionID, req.Code, req.Input, toolNames, req.Runtime, protocol.WorkerConfig{
		MemoryCheckIntervalMs: int(s.cfg.MemoryCheckInterval / time.Millisecond),
		MaxMessageSizeBytes:   s.cfg.MaxMessageSizeBytes,
	})
	execMsg.Self = req.Self

	if err := s.proc.Send(execMsg); err != nil {
		reason := poolerrors.Wrap(poolerrors.KindWorkerCrashed, err)
		s.terminate(reason)
		return Outcome{}, reason
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		s.finishExecution()
		return Outcome{OK: result.OK, Value: result.Value, Error: result.Error, Stats: statsOf(result)}, nil

	case <-timer.C:
		reason := poolerrors.New(poolerrors.KindWorkerTimeout, "")
		s.terminate(reason)
		return Outcome{}, reason

	case <-req.Cancel:
		reason := poolerrors.New(poolerrors.KindExecutionAborted, "")
		s.terminate(reason)
		return Outcome{}, reason

	case reason := <-termCh:
		return Outcome{}, reason
	}
}

func statsOf(r protocol.ExecutionResult) protocol.ExecutionStats {
	if r.Stats == nil {
		return protocol.ExecutionStats{}
	}
	return *r.Stats
}

// finishExecution runs after a successful ExecutionResult: it
// increments the wear counter and decides whether the slot returns to
// idle or begins a graceful recycle.
func (s *Slot) finishExecution() {
	s.mu.Lock()
	s.executionsSinceBirth++
	s.executionID = ""
	s.currentTools = nil
	s.execCtx = nil
	s.execCancel = nil
	s.resultCh = nil
	s.execTermCh = nil
	recycle := s.executionsSinceBirth >= s.cfg.MaxExecutionsPerWorker
	if recycle {
		s.status = StatusRecycling
	} else {
		s.status = StatusIdle
	}
	s.mu.Unlock()

	if recycle {
		s.emit(StatusRecycling)
		go s.shutdown()
	} else {
		s.emit(StatusIdle)
	}
}

// BeginRecycle transitions an idle slot to recycling and starts a
// graceful shutdown. It is a no-op on any slot not currently idle — the
// Pool Manager only calls it for scheduled shrinkage.
func (s *Slot) BeginRecycle() {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return
	}
	s.status = StatusRecycling
	s.mu.Unlock()
	s.emit(StatusRecycling)
	go s.shutdown()
}

// ForceTerminate asks the worker to exit, forcibly killing it after
// GracefulShutdownTimeout if it does not. Idempotent.
func (s *Slot) ForceTerminate() {
	s.terminate(poolerrors.New(poolerrors.KindWorkerPoolDisposed, "slot terminated"))
}

// TerminateForMemory is called by the Pool Manager's memory-monitor
// ticker when this slot's latest rss sample exceeds the configured
// limit.
func (s *Slot) TerminateForMemory() {
	s.terminate(poolerrors.New(poolerrors.KindWorkerMemory, ""))
}

// terminate is the single path into terminating/terminated. It is safe
// to call multiple times and from multiple goroutines; only the first
// call has any effect.
func (s *Slot) terminate(reason *poolerrors.PoolError) {
	s.mu.Lock()
	if s.status == StatusTerminating || s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	wasExecuting := s.status == StatusExecuting
	termCh := s.execTermCh
	execCancel := s.execCancel
	s.status = StatusTerminating
	s.mu.Unlock()
	s.emit(StatusTerminating)

	// Cancel any in-flight tool handler immediately rather than waiting
	// for Dispatch's own deferred cancel, which only runs once Dispatch
	// observes termCh and returns.
	if execCancel != nil {
		execCancel()
	}

	if wasExecuting && termCh != nil {
		select {
		case termCh <- reason:
		default:
		}
	}

	go s.shutdown()
}

// shutdown asks the worker to exit cleanly, force-killing it if it
// does not within GracefulShutdownTimeout, then marks the slot
// terminated.
func (s *Slot) shutdown() {
	if s.proc != nil {
		s.proc.CloseGraceful()
		select {
		case <-s.proc.Exited():
		case <-time.After(s.cfg.GracefulShutdownTimeout):
			s.proc.Kill()
			<-s.proc.Exited()
		}
	}

	s.mu.Lock()
	s.status = StatusTerminated
	s.mu.Unlock()
	s.emit(StatusTerminated)

	if s.monitor != nil {
		s.monitor.Forget(s.id)
	}

	if s.onTerminated != nil {
		s.onTerminated(s)
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// readLoop decodes one message at a time from the worker, applying the
// rate limiter to every inbound message before it is even sniffed for
// type — a flood is a flood regardless of what it claims to be.
func (s *Slot) readLoop() {
	for {
		line, err := s.proc.Recv()
		if err != nil {
			s.mu.Lock()
			status := s.status
			s.mu.Unlock()
			if status != StatusTerminating && status != StatusTerminated {
				s.terminate(poolerrors.New(poolerrors.KindWorkerCrashed, ""))
			}
			return
		}

		if !s.limiter.TryAcquire() {
			s.terminate(poolerrors.New(poolerrors.KindMessageFlood, ""))
			continue
		}

		s.handleLine(line)
	}
}

func (s *Slot) handleLine(line []byte) {
	var env protocol.Envelope
	if err := s.codec.Decode(line, &env); err != nil {
		if pe, ok := err.(*poolerrors.PoolError); ok {
			s.terminate(pe)
		} else {
			s.terminate(poolerrors.Wrap(poolerrors.KindMessageValidation, err))
		}
		return
	}

	switch env.Type {
	case protocol.TypeReady:
		select {
		case s.readyCh <- struct{}{}:
		default:
		}

	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := s.codec.Decode(line, &hb); err != nil {
			return
		}
		usage := protocol.ResourceUsage{RSS: hb.RSS, HeapTotal: hb.HeapTotal, HeapUsed: hb.HeapUsed, External: hb.External, ArrayBuffers: hb.ArrayBuffers}
		s.mu.Lock()
		s.lastUsage = usage
		s.mu.Unlock()
		if s.monitor != nil {
			s.monitor.Record(s.id, usage)
		}

	case protocol.TypeExecutionResult:
		var result protocol.ExecutionResult
		if err := s.codec.Decode(line, &result); err != nil {
			return
		}
		s.mu.Lock()
		ch := s.resultCh
		matches := s.status == StatusExecuting && s.executionID == result.ExecutionID
		s.mu.Unlock()
		if matches && ch != nil {
			select {
			case ch <- result:
			default:
			}
		}
		// else: a stale or post-termination result is dropped silently,
		// per spec.md §9's ToolCall-race note applied symmetrically.

	case protocol.TypeToolCall:
		var call protocol.ToolCall
		if err := s.codec.Decode(line, &call); err != nil {
			return
		}
		s.routeToolCall(call)
	}
}

// routeToolCall dispatches one ToolCall to the matching host handler,
// bounding concurrent in-flight calls at MaxPendingToolCalls.
func (s *Slot) routeToolCall(call protocol.ToolCall) {
	s.pendingMu.Lock()
	if len(s.pending) >= s.cfg.MaxPendingToolCalls {
		s.pendingMu.Unlock()
		s.terminate(poolerrors.New(poolerrors.KindTooManyPendingCalls, ""))
		return
	}
	s.pending[call.CallID] = struct{}{}
	s.pendingMu.Unlock()

	s.mu.Lock()
	handler, ok := s.currentTools[call.Name]
	execCtx := s.execCtx
	s.mu.Unlock()

	if !ok {
		s.pendingMu.Lock()
		delete(s.pending, call.CallID)
		s.pendingMu.Unlock()
		s.proc.Send(protocol.NewToolResponseError(call.CallID, fmt.Errorf("unknown tool %q", call.Name)))
		return
	}

	go func() {
		defer func() {
			s.pendingMu.Lock()
			delete(s.pending, call.CallID)
			s.pendingMu.Unlock()
		}()

		value, err := invokeHandler(execCtx, handler, call.Args)
		if err != nil {
			s.proc.Send(protocol.NewToolResponseError(call.CallID, err))
			return
		}
		s.proc.Send(protocol.NewToolResponse(call.CallID, value))
	}()
}

// invokeHandler recovers any panic from a host tool handler so it
// never propagates out of the slot. ctx carries the execution's own
// deadline and is cancelled the moment Dispatch returns, whether that
// is on success, timeout, cancellation, or termination — a handler
// still running past that point sees ctx end rather than running on
// unbounded.
func invokeHandler(ctx context.Context, h ToolHandler, args interface{}) (result interface{}, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}
