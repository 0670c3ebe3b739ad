package mtpsim

// mtpsim.go declares the simulator contract implemented by the engines
// in this module, and the small set of time helpers shared by them.
//
// The mtpsim module runs a discrete-event network simulation on multiple
// cores by splitting the simulated topology into logical processes (LPs).
// Each LP owns a single-threaded event timeline; LPs advance together in
// rounds bounded by a granted time window computed from the smallest
// pending timestamp and the minimum lookahead between LPs.  The
// MultithreadedSimulator runs all LPs of one host; the HybridSimulator
// federates hosts across ranks with a granted-time-window collective.

import (
	"math"

	"github.com/iti/evt/vrtime"
)

// NoContext marks an event not associated with any simulated node.
const NoContext int = -1

// ticksPerSecond recovers the tick resolution of the vrtime package,
// so conversions from tick counts back to vrtime.Time agree with
// conversions made by callers through vrtime.SecondsToTime
var ticksPerSecond int64 = vrtime.SecondsToTime(1.0).Ticks()

// timeOfTicks converts a tick count to a vrtime.Time
func timeOfTicks(ticks int64) vrtime.Time {
	return vrtime.SecondsToTime(float64(ticks) / float64(ticksPerSecond))
}

// secondsOfTicks converts a tick count to seconds
func secondsOfTicks(ticks int64) float64 {
	return float64(ticks) / float64(ticksPerSecond)
}

// maxSimulationTicks bounds every schedulable timestamp.  Half the tick
// range leaves room to add a delay to a timestamp without overflow
const maxSimulationTicks int64 = math.MaxInt64 / 2

// SimulatorImpl is the contract the host simulator codes against.  Both
// the multithreaded (single host) and hybrid (federated) engines
// implement it
type SimulatorImpl interface {
	// Schedule inserts an event on the public LP after the given delay.
	// It does not resolve the LP of an executing event handler
	Schedule(delay vrtime.Time, ev Event) EventID

	// ScheduleNow inserts an event on the public LP at its current time
	ScheduleNow(ev Event) EventID

	// ScheduleWithContext inserts an event after the given delay on the
	// LP owning the simulated node identified by context
	ScheduleWithContext(context int, delay vrtime.Time, ev Event)

	// ScheduleDestroy defers an event until Destroy is called
	ScheduleDestroy(ev Event) EventID

	// Remove takes a scheduled event out of its pending queue
	Remove(id EventID)

	// Cancel marks a scheduled event so that it is skipped when popped
	Cancel(id EventID)

	// IsExpired reports whether the event already ran or was cancelled
	IsExpired(id EventID) bool

	// Now returns the current virtual time of the public LP
	Now() vrtime.Time

	// GetDelayLeft returns the remaining virtual time before an event fires
	GetDelayLeft(id EventID) vrtime.Time

	// Run executes rounds until every LP is finished
	Run()

	// Stop makes every LP treat its pending queue as exhausted
	Stop()

	// StopAt schedules a Stop after the given delay
	StopAt(delay vrtime.Time)

	// GetEventCount returns the number of events invoked so far
	GetEventCount() uint64

	// GetContext returns the node id of the event being executed on the
	// public LP, or NoContext
	GetContext() int

	// GetMaximumSimulationTime returns the largest schedulable time
	GetMaximumSimulationTime() vrtime.Time

	// Destroy runs the deferred destroy events and releases the engine
	Destroy()
}
