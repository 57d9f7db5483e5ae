package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/agentfront/enclave/internal/protocol"
)

// harness wires a Runtime to in-memory pipes so tests can drive the
// host side of the protocol without a real subprocess.
type harness struct {
	t        *testing.T
	hostIn   *io.PipeWriter // host writes here -> worker reads
	hostOut  *bufio.Reader  // host reads here <- worker writes
	workerIn *io.PipeReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	rt := NewRuntime(inR, outW)
	go rt.Run()

	h := &harness{t: t, hostIn: inW, hostOut: bufio.NewReader(outR), workerIn: inR}
	h.expect(protocol.TypeReady)
	return h
}

func (h *harness) send(v interface{}) {
	h.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	b = append(b, '\n')
	if _, err := h.hostIn.Write(b); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) expect(want protocol.MessageType) json.RawMessage {
	h.t.Helper()
	line, err := h.hostOut.ReadBytes('\n')
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		h.t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != want {
		h.t.Fatalf("expected %s, got %s (%s)", want, env.Type, line)
	}
	return json.RawMessage(line)
}

func TestWorkerSendsReadyThenEvaluates(t *testing.T) {
	h := newHarness(t)

	h.send(protocol.NewExecute("exec-1", "inputs.a + inputs.b", map[string]interface{}{"a": 1.0, "b": 2.0}, nil, nil, protocol.WorkerConfig{}))

	raw := h.expect(protocol.TypeExecutionResult)
	var result protocol.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected ok result, got error %q", result.Error)
	}
	if v, _ := result.Value.(float64); v != 3.0 {
		t.Fatalf("expected 3, got %v", result.Value)
	}
}

func TestWorkerRoundTripsToolCall(t *testing.T) {
	h := newHarness(t)

	h.send(protocol.NewExecute("exec-2", "tools.add({a: 1, b: 2})", nil, []string{"add"}, nil, protocol.WorkerConfig{}))

	raw := h.expect(protocol.TypeToolCall)
	var call protocol.ToolCall
	if err := json.Unmarshal(raw, &call); err != nil {
		t.Fatalf("unmarshal call: %v", err)
	}
	if call.Name != "add" {
		t.Fatalf("expected tool name 'add', got %q", call.Name)
	}

	h.send(protocol.NewToolResponse(call.CallID, 3.0))

	raw = h.expect(protocol.TypeExecutionResult)
	var result protocol.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected ok result, got error %q", result.Error)
	}
	if v, _ := result.Value.(float64); v != 3.0 {
		t.Fatalf("expected 3, got %v", result.Value)
	}
}

func TestWorkerRecoversFromSyntaxError(t *testing.T) {
	h := newHarness(t)

	h.send(protocol.NewExecute("exec-3", "inputs.a +++ inputs.b", nil, nil, nil, protocol.WorkerConfig{}))

	raw := h.expect(protocol.TypeExecutionResult)
	var result protocol.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.OK {
		t.Fatal("expected failure for invalid syntax")
	}
}

func TestWorkerResetsVMBetweenExecutions(t *testing.T) {
	h := newHarness(t)

	h.send(protocol.NewExecute("exec-4", "globalThis.leaked = 42; 1", nil, nil, nil, protocol.WorkerConfig{}))
	h.expect(protocol.TypeExecutionResult)

	h.send(protocol.NewExecute("exec-5", "typeof globalThis.leaked", nil, nil, nil, protocol.WorkerConfig{}))
	raw := h.expect(protocol.TypeExecutionResult)

	var result protocol.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Value != "undefined" {
		t.Fatalf("expected state reset between executions, got %v", result.Value)
	}
}

func TestStartHeartbeatEmitsHeartbeats(t *testing.T) {
	h := newHarness(t)
	_ = h

	// Heartbeat emission is exercised indirectly: constructing a second
	// runtime and starting its heartbeat on a short interval proves the
	// ticker fires and produces a well-formed message.
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer inW.Close()

	rt := NewRuntime(inR, outW)
	stop := make(chan struct{})
	defer close(stop)
	rt.StartHeartbeat(5*time.Millisecond, stop)

	r := bufio.NewReader(outR)
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	var hb protocol.Heartbeat
	if err := json.Unmarshal(line, &hb); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if hb.Type != protocol.TypeHeartbeat {
		t.Fatalf("expected heartbeat type, got %s", hb.Type)
	}
}
