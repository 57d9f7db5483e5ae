package poolerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewErrorIsSentinel(t *testing.T) {
	err := New(KindQueueFull, "")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected errors.Is against ErrQueueFull to succeed, got %v", err)
	}
}

func TestWrapErrorIsBothSentinelAndCause(t *testing.T) {
	cause := fmt.Errorf("transport closed")
	err := Wrap(KindWorkerCrashed, cause)

	if !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("expected errors.Is against ErrWorkerCrashed to succeed, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is against the wrapped cause to succeed, got %v", err)
	}
}

func TestKindOfExtractsKindThroughWrap(t *testing.T) {
	err := Wrap(KindMessageValidation, errors.New("bad json"))
	kind, ok := KindOf(err)
	if !ok || kind != KindMessageValidation {
		t.Fatalf("expected KindMessageValidation, got kind=%v ok=%v", kind, ok)
	}
}
