package pool

import (
	"time"

	"github.com/agentfront/enclave/internal/poolerrors"
	"github.com/agentfront/enclave/internal/slot"
)

// EventKind distinguishes what a pool Event describes.
type EventKind string

const (
	EventSlotTransition EventKind = "slot_transition"
	EventQueue          EventKind = "queue"
)

// QueueAction is the queue-side action an Event of Kind EventQueue
// describes.
type QueueAction string

const (
	QueueEnqueued  QueueAction = "enqueued"
	QueueFulfilled QueueAction = "fulfilled"
	QueueTimedOut  QueueAction = "timed_out"
	QueueAborted   QueueAction = "aborted"
)

// Event is one pool lifecycle notification. Subscribers attach via
// WithEventBroadcaster and read Events() — the SSE transport is the
// consumer in this repository; the audit sink is written directly by
// runOn instead.
type Event struct {
	Kind        EventKind
	SlotID      string
	SlotStatus  slot.Status
	QueueAction QueueAction
	At          time.Time
}

// emitSlot forwards a slot transition. Never blocks: a full buffer
// drops the event rather than stall the execution path.
func (p *Pool) emitSlot(e slot.Event) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- Event{Kind: EventSlotTransition, SlotID: e.SlotID, SlotStatus: e.Status, At: e.At}:
	default:
	}
}

func (p *Pool) emitQueue(action QueueAction) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- Event{Kind: EventQueue, QueueAction: action, At: time.Now()}:
	default:
	}
}

func queueOutcomeOf(err error) QueueAction {
	if kind, ok := poolerrors.KindOf(err); ok && kind == poolerrors.KindQueueTimeout {
		return QueueTimedOut
	}
	return QueueAborted
}
