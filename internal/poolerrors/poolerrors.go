// Package poolerrors defines the named failure kinds shared by every
// worker-pool component, so callers can branch on `errors.Is` instead of
// string-matching messages.
package poolerrors

import "errors"

// Kind identifies a worker-pool failure category. It is attached to
// every error the pool surfaces to a caller, a slot, or a metrics
// counter.
type Kind string

const (
	KindWorkerStartup       Kind = "WorkerStartup"
	KindWorkerTimeout       Kind = "WorkerTimeout"
	KindWorkerMemory        Kind = "WorkerMemory"
	KindWorkerCrashed       Kind = "WorkerCrashed"
	KindWorkerPoolDisposed  Kind = "WorkerPoolDisposed"
	KindQueueFull           Kind = "QueueFull"
	KindQueueTimeout        Kind = "QueueTimeout"
	KindExecutionAborted    Kind = "ExecutionAborted"
	KindMessageFlood        Kind = "MessageFlood"
	KindMessageValidation   Kind = "MessageValidation"
	KindMessageSize         Kind = "MessageSize"
	KindTooManyPendingCalls Kind = "TooManyPendingCalls"
)

// Sentinel errors. Use errors.Is against these; PoolError.Unwrap
// returns the matching sentinel so wrapped errors still compare equal.
var (
	ErrWorkerStartup       = errors.New("sandbox: worker failed to signal ready")
	ErrWorkerTimeout       = errors.New("sandbox: execution exceeded its timeout")
	ErrWorkerMemory        = errors.New("sandbox: worker exceeded its memory limit")
	ErrWorkerCrashed       = errors.New("sandbox: worker exited unexpectedly")
	ErrWorkerPoolDisposed  = errors.New("sandbox: pool has been disposed")
	ErrQueueFull           = errors.New("sandbox: execution queue is at capacity")
	ErrQueueTimeout        = errors.New("sandbox: timed out waiting in the execution queue")
	ErrExecutionAborted    = errors.New("sandbox: execution was aborted")
	ErrMessageFlood        = errors.New("sandbox: worker exceeded its message rate")
	ErrMessageValidation   = errors.New("sandbox: message failed validation")
	ErrMessageSize         = errors.New("sandbox: message exceeded the size limit")
	ErrTooManyPendingCalls = errors.New("sandbox: too many pending host-tool calls")
)

var sentinelByKind = map[Kind]error{
	KindWorkerStartup:       ErrWorkerStartup,
	KindWorkerTimeout:       ErrWorkerTimeout,
	KindWorkerMemory:        ErrWorkerMemory,
	KindWorkerCrashed:       ErrWorkerCrashed,
	KindWorkerPoolDisposed:  ErrWorkerPoolDisposed,
	KindQueueFull:           ErrQueueFull,
	KindQueueTimeout:        ErrQueueTimeout,
	KindExecutionAborted:    ErrExecutionAborted,
	KindMessageFlood:        ErrMessageFlood,
	KindMessageValidation:   ErrMessageValidation,
	KindMessageSize:         ErrMessageSize,
	KindTooManyPendingCalls: ErrTooManyPendingCalls,
}

// PoolError is the concrete error type returned for a given Kind. It
// always wraps the package sentinel for that kind so `errors.Is`
// against either the sentinel or a PoolError with the same Kind works.
type PoolError struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds a PoolError for kind, using the sentinel message unless
// msg is non-empty.
func New(kind Kind, msg string) *PoolError {
	if msg == "" {
		if s, ok := sentinelByKind[kind]; ok {
			msg = s.Error()
		}
	}
	return &PoolError{Kind: kind, Message: msg}
}

// Wrap builds a PoolError for kind that also carries an underlying
// cause (e.g. a transport or codec error).
func Wrap(kind Kind, cause error) *PoolError {
	return &PoolError{Kind: kind, Message: cause.Error(), Cause: cause}
}

func (e *PoolError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns both the underlying cause (if any) and the kind's
// sentinel, so errors.Is(err, ErrWorkerCrashed) still matches a
// PoolError built with Wrap(KindWorkerCrashed, someTransportErr) —
// not just one built with New.
func (e *PoolError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Cause, sentinelByKind[e.Kind]}
	}
	return []error{sentinelByKind[e.Kind]}
}

// KindOf extracts the Kind from err if it is (or wraps) a *PoolError,
// reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}
