package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/agentfront/enclave/internal/codec"
	"github.com/agentfront/enclave/internal/protocol"
)

// defaultBootstrapMessageSize bounds the very first message (Execute)
// before its own Config.MaxMessageSizeBytes has been observed.
const defaultBootstrapMessageSize = 10 * 1024 * 1024

// Runtime is the worker-side process loop: one goja VM, reset between
// executions, plus the stdin/stdout message plumbing and the host-call
// bridge sandboxed code uses to invoke named tools.
type Runtime struct {
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	codec   *codec.Codec

	pendingMu sync.Mutex
	pending   map[string]chan protocol.ToolResponse

	executeCh chan protocol.Execute
	closed    chan struct{}

	vmMu sync.Mutex
	vm   *goja.Runtime
}

// NewRuntime constructs a Runtime over the given streams. Production
// code calls Run with os.Stdin/os.Stdout; tests use in-memory pipes.
func NewRuntime(in io.Reader, out io.Writer) *Runtime {
	return &Runtime{
		in:        in,
		out:       out,
		codec:     codec.New(defaultBootstrapMessageSize),
		pending:   make(map[string]chan protocol.ToolResponse),
		executeCh: make(chan protocol.Execute, 1),
		closed:    make(chan struct{}),
	}
}

// RunWorker is the main loop for a sandbox worker process. It applies
// OS resource limits, signals Ready, and then evaluates one Execute at
// a time for as long as stdin stays open.
func RunWorker() {
	applyResourceLimits()

	rt := NewRuntime(os.Stdin, os.Stdout)
	rt.Run()
}

// Run drives the read loop and the execute loop until stdin is closed.
// A heartbeat ticker starts immediately at a 1s default cadence — the
// pool's real memoryCheckIntervalMs is only known once the first
// Execute arrives, so the first few heartbeats use the conservative
// default.
func (rt *Runtime) Run() {
	go rt.readLoop()

	if err := rt.send(protocol.Ready{Type: protocol.TypeReady}); err != nil {
		return
	}

	hbStop := make(chan struct{})
	rt.StartHeartbeat(time.Second, hbStop)
	configured := false

	vm := newSandboxedVM()
	rt.setVM(vm)
	for {
		select {
		case req, ok := <-rt.executeCh:
			if !ok {
				close(hbStop)
				return
			}
			if !configured {
				configured = true
				if req.Config.MaxMessageSizeBytes > 0 {
					rt.codec.SetMaxMessageSize(req.Config.MaxMessageSizeBytes)
				}
				if req.Config.MemoryCheckIntervalMs > 0 {
					close(hbStop)
					hbStop = make(chan struct{})
					rt.StartHeartbeat(time.Duration(req.Config.MemoryCheckIntervalMs)*time.Millisecond, hbStop)
				}
			}
			result := rt.evaluate(vm, req)
			if err := rt.send(result); err != nil {
				close(hbStop)
				return
			}
			vm = newSandboxedVM() // reset VM state between evaluations
			rt.setVM(vm)
		case <-rt.closed:
			close(hbStop)
			return
		}
	}
}

// readLoop decodes one message at a time from stdin, demultiplexing
// Execute messages (one in flight at a time, handled by Run's loop)
// from ToolResponse messages (routed to whichever host-call is
// waiting).
func (rt *Runtime) readLoop() {
	defer close(rt.closed)

	scanner := bufio.NewScanner(rt.in)
	scanner.Buffer(make([]byte, 0, 64*1024), defaultBootstrapMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env protocol.Envelope
		if err := rt.codec.Decode(line, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeExecute:
			var req protocol.Execute
			if err := rt.codec.Decode(line, &req); err != nil {
				continue
			}
			rt.executeCh <- req

		case protocol.TypeToolResponse:
			var resp protocol.ToolResponse
			if err := rt.codec.Decode(line, &resp); err != nil {
				continue
			}
			rt.pendingMu.Lock()
			ch, ok := rt.pending[resp.CallID]
			rt.pendingMu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

// send writes one JSON message per line to stdout. Writes are
// serialized: the eval goroutine and the heartbeat ticker both write.
func (rt *Runtime) send(v interface{}) error {
	b, err := rt.codec.Encode(v)
	if err != nil {
		return err
	}

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()

	if _, err := rt.out.Write(b); err != nil {
		return err
	}
	_, err = rt.out.Write([]byte("\n"))
	return err
}

// evaluate runs one Execute to completion, recovering any panic inside
// the VM so it never crashes the worker process out from under a
// well-behaved execution trace.
func (rt *Runtime) evaluate(vm *goja.Runtime, req protocol.Execute) (result protocol.ExecutionResult) {
	result = protocol.ExecutionResult{Type: protocol.TypeExecutionResult, ExecutionID: req.ExecutionID}

	defer func() {
		if r := recover(); r != nil {
			result.OK = false
			result.Error = fmt.Sprintf("panic during evaluation: %v", r)
		}
	}()

	start := time.Now()

	vm.Set("inputs", req.Input)
	vm.Set("self", req.Self)
	vm.Set("runtime", req.Runtime)
	rt.bindTools(vm, req.ExecutionID, req.ToolNames)

	val, err := vm.RunString(req.Code)
	if err != nil {
		result.OK = false
		result.Error = err.Error()
		return result
	}

	result.OK = true
	result.Value = val.Export()
	result.Stats = &protocol.ExecutionStats{
		DurationMs: time.Since(start).Milliseconds(),
	}
	return result
}

// bindTools installs one JS function per tool name; calling it sends a
// ToolCall to the host and blocks the calling goroutine until the
// matching ToolResponse arrives (or the VM is interrupted by a host
// timeout kill, which unblocks nothing here because the process is
// about to die anyway).
func (rt *Runtime) bindTools(vm *goja.Runtime, executionID string, toolNames []string) {
	tools := make(map[string]interface{}, len(toolNames))
	for _, name := range toolNames {
		name := name
		tools[name] = func(args interface{}) (interface{}, error) {
			callID := uuid.NewString()
			respCh := make(chan protocol.ToolResponse, 1)

			rt.pendingMu.Lock()
			rt.pending[callID] = respCh
			rt.pendingMu.Unlock()

			defer func() {
				rt.pendingMu.Lock()
				delete(rt.pending, callID)
				rt.pendingMu.Unlock()
			}()

			call := protocol.ToolCall{Type: protocol.TypeToolCall, CallID: callID, Name: name, Args: args}
			if err := rt.send(call); err != nil {
				return nil, err
			}

			resp := <-respCh
			if !resp.OK {
				return nil, fmt.Errorf("%s", resp.Error)
			}
			return resp.Value, nil
		}
	}
	vm.Set("tools", tools)
}

func (rt *Runtime) setVM(vm *goja.Runtime) {
	rt.vmMu.Lock()
	rt.vm = vm
	rt.vmMu.Unlock()
}

// Interrupt asynchronously aborts whatever code the current VM is
// running, causing its RunString call to return an error immediately.
// This is what actually stops a `while(true){}` execution — closing
// stdin alone cannot, since the evaluating goroutine never returns to
// the message loop to notice it. The launcher that embeds a Runtime
// in-process (rather than forking it, see internal/slot) calls this on
// Kill; a forked process is reclaimed by the OS instead.
func (rt *Runtime) Interrupt(reason string) {
	rt.vmMu.Lock()
	vm := rt.vm
	rt.vmMu.Unlock()
	if vm != nil {
		vm.Interrupt(reason)
	}
}
