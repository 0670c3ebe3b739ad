package mtpsim

// simulator.go implements the single-host simulator facade.  The host
// schedules against it before Run; Run partitions the topology, starts
// the worker pool, and executes granted-time windows until every LP is
// out of work

import (
	"github.com/iti/evt/vrtime"
)

// MultithreadedSimulator drives one engine over one topology
type MultithreadedSimulator struct {
	eng  *MtpEngine
	topo *Topology
	prt  *Partitioner

	// events whose invocation is deferred until Destroy, guarded by
	// the engine's critical section
	destroyEvents []EventID

	partitioned bool
}

// CreateMultithreadedSimulator is a constructor.  The configuration is
// validated here, before any scheduling can happen
func CreateMultithreadedSimulator(topo *Topology, cfg *EngineCfg) *MultithreadedSimulator {
	cfg.Validate()
	sim := new(MultithreadedSimulator)
	sim.topo = topo
	sim.eng = CreateMtpEngine(cfg.MaxThreads, 0)
	sim.prt = CreatePartitioner(topo, 0)
	if cfg.MinLookahead > 0.0 {
		sim.prt.SetMinLookahead(vrtime.SecondsToTime(cfg.MinLookahead).Ticks())
	}
	sim.destroyEvents = make([]EventID, 0)
	return sim
}

// Engine exposes the engine, mostly for inspection by tests and tools
func (sim *MultithreadedSimulator) Engine() *MtpEngine {
	return sim.eng
}

// Topology returns the topology the simulator runs over
func (sim *MultithreadedSimulator) Topology() *Topology {
	return sim.topo
}

// Schedule inserts an event on the public LP after the given delay.
// Host code running inside an event handler schedules through the
// handler's LP instead
func (sim *MultithreadedSimulator) Schedule(delay vrtime.Time, ev Event) EventID {
	return sim.eng.PublicLP().Schedule(delay, ev)
}

// ScheduleNow inserts an event on the public LP at the current time
func (sim *MultithreadedSimulator) ScheduleNow(ev Event) EventID {
	return sim.eng.PublicLP().ScheduleNow(ev)
}

// ScheduleWithContext inserts an event bound for the node identified
// by context.  Before partitioning every context stages on the public
// LP; afterwards the event is routed to the LP owning the node
func (sim *MultithreadedSimulator) ScheduleWithContext(context int, delay vrtime.Time, ev Event) {
	public := sim.eng.PublicLP()
	public.ScheduleWithContext(sim.eng.routeContext(context), context, delay, ev)
}

// ScheduleDestroy defers an event until Destroy is called.  The
// returned id carries the destroy marker uid
func (sim *MultithreadedSimulator) ScheduleDestroy(ev Event) EventID {
	id := EventID{Impl: ev, Ts: maxSimulationTicks, Context: NoContext, UID: uidDestroy}
	sim.eng.CriticalSection(func() {
		sim.destroyEvents = append(sim.destroyEvents, id)
	})
	return id
}

// Remove takes a scheduled event out of its queue.  Destroy events
// leave the destroy list; others leave their LP's pending queue
func (sim *MultithreadedSimulator) Remove(id EventID) {
	if id.IsDestroy() {
		sim.eng.CriticalSection(func() {
			for idx := range sim.destroyEvents {
				// destroy ids share uid, ts and context; the event tells them apart
				if sim.destroyEvents[idx].eq(id) && sim.destroyEvents[idx].Impl == id.Impl {
					sim.destroyEvents = append(sim.destroyEvents[:idx], sim.destroyEvents[idx+1:]...)
					break
				}
			}
		})
		return
	}
	sim.eng.GetSystem(id.LpID).Remove(id)
}

// Cancel marks a scheduled event so it is skipped when popped
func (sim *MultithreadedSimulator) Cancel(id EventID) {
	if !sim.IsExpired(id) {
		id.Impl.Cancel()
	}
}

// IsExpired reports whether the identified event already ran or was
// cancelled.  A destroy event is unexpired while it waits on the
// destroy list
func (sim *MultithreadedSimulator) IsExpired(id EventID) bool {
	if id.IsDestroy() {
		if id.Impl == nil || id.Impl.IsCancelled() {
			return true
		}
		expired := true
		sim.eng.CriticalSection(func() {
			for idx := range sim.destroyEvents {
				if sim.destroyEvents[idx].eq(id) && sim.destroyEvents[idx].Impl == id.Impl {
					expired = false
					break
				}
			}
		})
		return expired
	}
	return sim.eng.GetSystem(id.LpID).IsExpired(id)
}

// Now returns the virtual time of the public LP.  Event handlers read
// their own LP's clock instead
func (sim *MultithreadedSimulator) Now() vrtime.Time {
	return sim.eng.PublicLP().Now()
}

// GetDelayLeft returns the remaining virtual time before the
// identified event fires
func (sim *MultithreadedSimulator) GetDelayLeft(id EventID) vrtime.Time {
	if id.IsDestroy() || sim.IsExpired(id) {
		return timeOfTicks(0)
	}
	return sim.eng.GetSystem(id.LpID).GetDelayLeft(id)
}

// partition runs the partitioner once and installs the context router
func (sim *MultithreadedSimulator) partition() {
	if sim.partitioned {
		return
	}
	sim.prt.Partition(sim.eng)
	sim.eng.SetRouter(func(context int) *LogicalProcess {
		return sim.eng.GetSystem(sim.topo.GetNode(context).LocalLP())
	})
	sim.partitioned = true
}

// Run partitions the topology, starts the workers, and executes rounds
// until every LP has drained its queue and inbox, or Stop was called
func (sim *MultithreadedSimulator) Run() {
	sim.partition()
	sim.eng.RunBefore()
	for {
		sim.eng.CalculateSmallestTime()
		if sim.eng.IsFinished() {
			break
		}
		sim.eng.ProcessOneRound()
	}
	sim.eng.RunAfter()
}

// Stop makes every LP treat its queue as exhausted.  Observed at the
// top of each LP's round loop
func (sim *MultithreadedSimulator) Stop() {
	sim.eng.Stop()
}

// StopAt schedules a Stop as a regular event after the given delay
func (sim *MultithreadedSimulator) StopAt(delay vrtime.Time) {
	sim.Schedule(delay, CreateEvent(func(lp *LogicalProcess, context any, data any) any {
		sim.Stop()
		return nil
	}, nil, nil))
}

// GetEventCount returns the number of events invoked across all LPs
func (sim *MultithreadedSimulator) GetEventCount() uint64 {
	return sim.eng.GetEventCount()
}

// GetContext returns the node id of the event being executed on the
// public LP, or NoContext
func (sim *MultithreadedSimulator) GetContext() int {
	return sim.eng.PublicLP().GetContext()
}

// GetMaximumSimulationTime returns the largest schedulable time
func (sim *MultithreadedSimulator) GetMaximumSimulationTime() vrtime.Time {
	return timeOfTicks(maxSimulationTicks)
}

// Destroy invokes the deferred destroy events in scheduling order,
// then releases the engine.  Cancelled destroy events are skipped
func (sim *MultithreadedSimulator) Destroy() {
	var pending []EventID
	sim.eng.CriticalSection(func() {
		pending = sim.destroyEvents
		sim.destroyEvents = make([]EventID, 0)
	})
	for _, id := range pending {
		if id.Impl != nil && !id.Impl.IsCancelled() {
			id.Impl.Invoke(sim.eng.PublicLP())
		}
	}
	sim.eng.Disable()
}
