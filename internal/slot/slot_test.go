package slot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentfront/enclave/internal/config"
	"github.com/agentfront/enclave/internal/poolerrors"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.New(config.PresetStandard,
		config.WithGracefulShutdownTimeout(500*time.Millisecond),
		config.WithMaxMessagesPerSecond(1000),
	)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return cfg
}

func newTestSlot(t *testing.T, cfg config.Config) *Slot {
	t.Helper()
	s := New("slot-1", cfg, NewInProcessLauncher(cfg.MaxMessageSizeBytes), nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func TestSlotHappyPath(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSlot(t, cfg)

	out, err := s.Dispatch(context.Background(), Request{
		ExecutionID: "exec-1",
		Code:        "inputs.a + inputs.b",
		Input:       map[string]interface{}{"a": 40.0, "b": 2.0},
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected ok, got error %q", out.Error)
	}
	if v, _ := out.Value.(float64); v != 42 {
		t.Fatalf("expected 42, got %v", out.Value)
	}
	if s.Status() != StatusIdle {
		t.Fatalf("expected idle after dispatch, got %s", s.Status())
	}
}

func TestSlotTimeoutTerminates(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSlot(t, cfg)

	_, err := s.Dispatch(context.Background(), Request{
		ExecutionID: "exec-loop",
		Code:        "while(true) {}",
		Timeout:     50 * time.Millisecond,
	})
	if !errors.Is(err, poolerrors.ErrWorkerTimeout) {
		t.Fatalf("expected WorkerTimeout, got %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slot never fully terminated")
	}
}

func TestSlotToolCallRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSlot(t, cfg)

	handler := func(ctx context.Context, args interface{}) (interface{}, error) {
		m := args.(map[string]interface{})
		return m["a"].(float64) + m["b"].(float64), nil
	}

	out, err := s.Dispatch(context.Background(), Request{
		ExecutionID: "exec-tool",
		Code:        "tools.add({a: 3, b: 5})",
		Tools:       map[string]ToolHandler{"add": handler},
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected ok, got error %q", out.Error)
	}
	if v, _ := out.Value.(float64); v != 8 {
		t.Fatalf("expected 8, got %v", out.Value)
	}
}

func TestSlotToolHandlerObservesExecutionDeadline(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSlot(t, cfg)

	deadlines := make(chan time.Time, 1)
	handler := func(ctx context.Context, args interface{}) (interface{}, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Error("expected tool handler ctx to carry a deadline")
		}
		deadlines <- deadline
		return "ok", nil
	}

	before := time.Now()
	out, err := s.Dispatch(context.Background(), Request{
		ExecutionID: "exec-deadline",
		Code:        "tools.check({})",
		Tools:       map[string]ToolHandler{"check": handler},
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected ok, got error %q", out.Error)
	}

	select {
	case deadline := <-deadlines:
		if !deadline.After(before) {
			t.Fatalf("expected deadline to fall after dispatch start, got %v", deadline)
		}
	default:
		t.Fatal("handler never observed a deadline")
	}
}

func TestSlotUnknownToolReturnsScriptError(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSlot(t, cfg)

	out, err := s.Dispatch(context.Background(), Request{
		ExecutionID: "exec-unknown-tool",
		Code:        "tools.missing()",
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.OK {
		t.Fatalf("expected script-level failure calling an unbound tool")
	}
}

func TestSlotRecyclesAfterMaxExecutions(t *testing.T) {
	cfg, err := config.New(config.PresetStandard,
		config.WithGracefulShutdownTimeout(500*time.Millisecond),
		config.WithMaxExecutionsPerWorker(1),
	)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	s := newTestSlot(t, cfg)

	_, err = s.Dispatch(context.Background(), Request{ExecutionID: "exec-1", Code: "1 + 1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("recycling slot never terminated")
	}
	if s.ExecutionsSinceBirth() != 1 {
		t.Fatalf("expected 1 execution recorded, got %d", s.ExecutionsSinceBirth())
	}
}

func TestSlotCancelSignal(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSlot(t, cfg)

	cancel := make(chan struct{})
	close(cancel)

	_, err := s.Dispatch(context.Background(), Request{
		ExecutionID: "exec-cancel",
		Code:        "while(true) {}",
		Timeout:     5 * time.Second,
		Cancel:      cancel,
	})
	if !errors.Is(err, poolerrors.ErrExecutionAborted) {
		t.Fatalf("expected ExecutionAborted, got %v", err)
	}
}
