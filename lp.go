package mtpsim

// lp.go implements the logical process, the unit of parallelism of the
// engine.  A logical process owns a pending-event queue, a virtual
// clock, and an inbox into which other logical processes deposit events
// crossing partition boundaries.  During a round a logical process is
// executed by exactly one worker; between rounds it is touched only by
// the engine coordinator

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/iti/evt/vrtime"
)

// infinityTicks is the NextTime result of a logical process with no
// pending events
const infinityTicks int64 = math.MaxInt64

// LogicalProcess is a single-threaded event timeline.  Its clock is
// monotone non-decreasing; events execute in strict (ts, uid) order
type LogicalProcess struct {
	id  int
	eng *MtpEngine

	clock     int64
	scheduled *pendingQueue

	// events deposited by other LPs, moved into scheduled by the owner
	inboxMu sync.Mutex
	inbox   []*schedEvent

	// minimum delay of any cut link leaving this LP's partition
	lookahead int64

	// ordering key of the event being (or last) executed, consulted by
	// IsExpired
	currentTs      int64
	currentUID     uint64
	currentContext int

	eventCount uint64
	stopFlag   atomic.Bool
}

// createLogicalProcess is a constructor
func createLogicalProcess(id int, eng *MtpEngine) *LogicalProcess {
	lp := new(LogicalProcess)
	lp.id = id
	lp.eng = eng
	lp.scheduled = createPendingQueue()
	lp.inbox = make([]*schedEvent, 0)
	lp.currentContext = NoContext
	return lp
}

// ID returns the logical process id.  Id 0 is the public LP, holding
// events scheduled before the topology is partitioned and events with
// no node context
func (lp *LogicalProcess) ID() int {
	return lp.id
}

// Now returns the current virtual time
func (lp *LogicalProcess) Now() vrtime.Time {
	return timeOfTicks(lp.clock)
}

// CurrentSeconds returns the current virtual time in seconds
func (lp *LogicalProcess) CurrentSeconds() float64 {
	return secondsOfTicks(lp.clock)
}

// nowTicks returns the clock in ticks
func (lp *LogicalProcess) nowTicks() int64 {
	return lp.clock
}

// GetContext returns the node id of the event being executed, or
// NoContext outside event execution
func (lp *LogicalProcess) GetContext() int {
	return lp.currentContext
}

// GetEventCount returns the number of events this LP has invoked
func (lp *LogicalProcess) GetEventCount() uint64 {
	return lp.eventCount
}

// deadline validates a delay and converts it to an absolute timestamp
func (lp *LogicalProcess) deadline(delay vrtime.Time) int64 {
	delayTicks := delay.Ticks()
	if delayTicks < 0 {
		panic(fmt.Errorf("negative delay %d ticks scheduled on LP %d", delayTicks, lp.id))
	}
	ts := lp.clock + delayTicks
	if ts > maxSimulationTicks {
		panic(fmt.Errorf("timestamp %d exceeds the maximum simulation time", ts))
	}
	return ts
}

// Schedule inserts an event on this LP after the given delay and
// returns an id supporting Cancel, Remove, IsExpired and GetDelayLeft
func (lp *LogicalProcess) Schedule(delay vrtime.Time, ev Event) EventID {
	se := new(schedEvent)
	se.ev = ev
	se.ts = lp.deadline(delay)
	se.context = lp.currentContext
	se.uid = lp.eng.nextUID()
	lp.scheduled.Insert(se)
	return EventID{Impl: ev, Ts: se.ts, Context: se.context, UID: se.uid, LpID: lp.id}
}

// ScheduleNow inserts an event on this LP at the current virtual time
func (lp *LogicalProcess) ScheduleNow(ev Event) EventID {
	return lp.Schedule(vrtime.SecondsToTime(0.0), ev)
}

// ScheduleWithContext inserts an event after the given delay with the
// given node context.  A local target goes straight into this LP's
// pending queue; a remote target is deposited in the remote LP's inbox.
// The inbox is the only cross-LP path during a round
func (lp *LogicalProcess) ScheduleWithContext(remote *LogicalProcess, context int, delay vrtime.Time, ev Event) {
	se := new(schedEvent)
	se.ev = ev
	se.ts = lp.deadline(delay)
	se.context = context
	se.uid = lp.eng.nextUID()

	if remote == lp {
		lp.scheduled.Insert(se)
		return
	}
	remote.enqueueIn(se)
}

// ScheduleWithContextID is ScheduleWithContext with the target LP
// resolved from the node context through the engine's router.  Event
// handlers use it to send events toward nodes they do not own
func (lp *LogicalProcess) ScheduleWithContextID(context int, delay vrtime.Time, ev Event) {
	lp.ScheduleWithContext(lp.eng.routeContext(context), context, delay, ev)
}

// enqueueIn deposits an event in this LP's inbox on behalf of another LP
func (lp *LogicalProcess) enqueueIn(se *schedEvent) {
	lp.inboxMu.Lock()
	lp.inbox = append(lp.inbox, se)
	lp.inboxMu.Unlock()
}

// drainInbox moves every inbox event into the pending queue
func (lp *LogicalProcess) drainInbox() {
	lp.inboxMu.Lock()
	arrived := lp.inbox
	lp.inbox = make([]*schedEvent, 0)
	lp.inboxMu.Unlock()

	for _, se := range arrived {
		lp.scheduled.Insert(se)
	}
}

// inboxEmpty reports whether the inbox holds no events
func (lp *LogicalProcess) inboxEmpty() bool {
	lp.inboxMu.Lock()
	empty := len(lp.inbox) == 0
	lp.inboxMu.Unlock()
	return empty
}

// Remove takes a scheduled event out of the pending queue.  If the
// event is not found, perhaps because it was deposited in an inbox not
// yet drained, it is cancelled instead so it is skipped when popped
func (lp *LogicalProcess) Remove(id EventID) {
	if lp.scheduled.Remove(id.UID) {
		return
	}
	if id.Impl != nil {
		id.Impl.Cancel()
	}
}

// Cancel marks a scheduled event so that it is skipped when popped
func (lp *LogicalProcess) Cancel(id EventID) {
	if !lp.IsExpired(id) {
		id.Impl.Cancel()
	}
}

// IsExpired reports whether the identified event already executed or
// was cancelled
func (lp *LogicalProcess) IsExpired(id EventID) bool {
	if id.Impl == nil || id.Impl.IsCancelled() {
		return true
	}
	if id.Ts < lp.currentTs {
		return true
	}
	return id.Ts == lp.currentTs && id.UID <= lp.currentUID
}

// GetDelayLeft returns the remaining virtual time before the
// identified event fires
func (lp *LogicalProcess) GetDelayLeft(id EventID) vrtime.Time {
	if lp.IsExpired(id) {
		return timeOfTicks(0)
	}
	return timeOfTicks(id.Ts - lp.clock)
}

// NextTime returns the timestamp of the earliest pending event in
// ticks, or infinityTicks if the queue is empty.  The caller must have
// drained the inbox for the result to cover just-arrived events
func (lp *LogicalProcess) NextTime() int64 {
	next := lp.scheduled.PeekNext()
	if next == nil {
		return infinityTicks
	}
	return next.ts
}

// SetLookahead publishes the minimum delay of any cut link touching
// this LP's partition.  The engine takes the minimum over all LPs as
// the round's window extension
func (lp *LogicalProcess) SetLookahead(ticks int64) {
	lp.lookahead = ticks
}

// Lookahead returns the published lookahead in ticks, 0 if none
func (lp *LogicalProcess) Lookahead() int64 {
	return lp.lookahead
}

// Stop makes this LP treat its pending queue as exhausted.  In-flight
// inbox events are still drained so a federated shutdown stays clean
func (lp *LogicalProcess) Stop() {
	lp.stopFlag.Store(true)
}

// stopped reports whether Stop was called
func (lp *LogicalProcess) stopped() bool {
	return lp.stopFlag.Load()
}

// finished reports whether this LP has no more work.  A stopped LP is
// finished regardless of pending events
func (lp *LogicalProcess) finished() bool {
	if lp.stopFlag.Load() {
		return true
	}
	return lp.scheduled.Empty() && lp.inboxEmpty()
}

// invoke runs one event, advancing the clock to its timestamp
func (lp *LogicalProcess) invoke(se *schedEvent) {
	lp.clock = se.ts
	lp.currentTs = se.ts
	lp.currentUID = se.uid
	lp.currentContext = se.context
	se.ev.Invoke(lp)
	lp.eventCount++
	lp.currentContext = NoContext
	lp.eng.traceInvoke(lp, se)
}

// InvokeNow executes an event synchronously at its recorded timestamp.
// Used only while replaying initialization events after partitioning,
// which must run in their insertion order rather than in parallel
func (lp *LogicalProcess) InvokeNow(se *schedEvent) {
	if se.ev.IsCancelled() {
		return
	}
	lp.invoke(se)
}

// processRound executes every pending event with timestamp not beyond
// the granted time.  The inbox is drained before each invocation so
// events that just crossed from other LPs participate in the round if
// their timestamp allows, and once after the loop so the next round's
// smallest-time computation sees them
func (lp *LogicalProcess) processRound(grantedTicks int64) {
	lp.drainInbox()
	for !lp.stopped() && !lp.scheduled.Empty() && lp.scheduled.PeekNext().ts <= grantedTicks {
		se := lp.scheduled.RemoveNext()
		if se.ev.IsCancelled() {
			continue
		}
		lp.invoke(se)
		lp.drainInbox()
	}
	lp.drainInbox()
}
