package mtpsim

// event.go holds the representation of simulation events and the
// identifiers handed back to schedulers.  An event is an opaque
// invocable; the engine only looks at its timestamp, context and
// cancellation state

import (
	"sync/atomic"
)

// EventHandlerFunction is the signature of host code called when an
// event fires.  The first argument is the logical process executing the
// event, which the handler uses to schedule followup events and to read
// the current virtual time
type EventHandlerFunction func(lp *LogicalProcess, context any, data any) any

// Event is the unit of work executed by a logical process
type Event interface {
	// Invoke runs the event on the given logical process
	Invoke(lp *LogicalProcess) any

	// Cancel marks the event so that it is skipped when popped
	Cancel()

	// IsCancelled reports whether Cancel was called
	IsCancelled() bool
}

// handlerEvent adapts an EventHandlerFunction with its context and data
// arguments into an Event
type handlerEvent struct {
	hdlr      EventHandlerFunction
	context   any
	data      any
	cancelled atomic.Bool
}

// CreateEvent wraps a handler function and its arguments as an Event
func CreateEvent(hdlr EventHandlerFunction, context any, data any) Event {
	he := new(handlerEvent)
	he.hdlr = hdlr
	he.context = context
	he.data = data
	return he
}

func (he *handlerEvent) Invoke(lp *LogicalProcess) any {
	return he.hdlr(lp, he.context, he.data)
}

func (he *handlerEvent) Cancel() {
	he.cancelled.Store(true)
}

func (he *handlerEvent) IsCancelled() bool {
	return he.cancelled.Load()
}

// uidDestroy marks event ids created by ScheduleDestroy.  Destroy
// events live on the simulator's destroy list, not in any LP queue
const uidDestroy uint64 = ^uint64(0)

// EventID identifies a scheduled event.  The (Ts, UID) pair is the
// ordering key of the event in its LP's pending queue; LpID locates
// the queue
type EventID struct {
	Impl    Event
	Ts      int64
	Context int
	UID     uint64
	LpID    int
}

// IsDestroy reports whether the id was produced by ScheduleDestroy
func (id EventID) IsDestroy() bool {
	return id.UID == uidDestroy
}

// eq reports identity of two event ids, following the (uid, ts, context)
// equality rule
func (id EventID) eq(other EventID) bool {
	return id.UID == other.UID && id.Ts == other.Ts && id.Context == other.Context
}
