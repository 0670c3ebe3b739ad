package mtpsim

// mtp.go implements the engine that owns the logical processes and the
// worker pool executing them.  The engine advances the simulation in
// rounds: between rounds a single coordinator computes the smallest
// pending timestamp over all LPs and grants a time window; during a
// round each LP with work inside the window is claimed by exactly one
// worker, and a barrier ends the round when every claimed LP is done

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/iti/rngstream"
)

// MtpEngine owns the LP registry, the uid counter shared by all LPs,
// the worker pool, and the critical section protecting host-wide state
type MtpEngine struct {
	// systems[0] is the public LP, holding events scheduled before
	// partitioning and events with no node context.  The slice is
	// immutable while workers are running
	systems []*LogicalProcess

	maxThreads  int
	threadCount int

	// round state, written by the coordinator between rounds only
	minLookaheadTicks int64
	smallestTicks     int64
	grantedTicks      int64
	round             int

	uidCounter atomic.Uint64

	// process-wide critical section for operations that must appear
	// atomic to all LPs outside event execution
	csMu sync.Mutex

	workCh   chan *LogicalProcess
	roundWG  sync.WaitGroup
	workerWG sync.WaitGroup
	running  bool

	// used to vary the order LPs are handed to workers, spreading
	// uneven partitions across the pool
	dispatchRng *rngstream.RngStream

	// maps a node context to its owning LP, installed by the simulator
	// facade once the partitioner has run
	router func(context int) *LogicalProcess

	tracer *TraceManager
}

// CreateMtpEngine builds an engine with the given thread bound and
// initial LP count.  Real LPs are indexed 1..initialLpCount; index 0 is
// the public LP
func CreateMtpEngine(maxThreads int, initialLpCount int) *MtpEngine {
	if maxThreads < 1 {
		panic(fmt.Errorf("MaxThreads must be positive, got %d", maxThreads))
	}
	eng := new(MtpEngine)
	eng.maxThreads = maxThreads
	eng.dispatchRng = rngstream.New("mtp-dispatch")
	eng.resize(initialLpCount)
	return eng
}

// resize builds the LP registry for lpCount real LPs, carrying over the
// public LP (and its pending events) if one exists
func (eng *MtpEngine) resize(lpCount int) {
	systems := make([]*LogicalProcess, lpCount+1)
	if len(eng.systems) > 0 {
		systems[0] = eng.systems[0]
		// events on dropped LPs fold back into the public LP
		for _, lp := range eng.systems[1:] {
			lp.drainInbox()
			for !lp.scheduled.Empty() {
				systems[0].scheduled.Insert(lp.scheduled.RemoveNext())
			}
		}
	} else {
		systems[0] = createLogicalProcess(0, eng)
	}
	for idx := 1; idx <= lpCount; idx++ {
		systems[idx] = createLogicalProcess(idx, eng)
	}
	eng.systems = systems

	threads := eng.maxThreads
	effective := lpCount
	if effective < 1 {
		effective = 1
	}
	if effective < threads {
		threads = effective
	}
	eng.threadCount = threads
}

// EnableNew resizes the LP registry once the partitioner knows the
// partition count.  Events already staged on the public LP survive.
// Must not be called while workers are running
func (eng *MtpEngine) EnableNew(threadCount int, lpCount int) {
	eng.csMu.Lock()
	defer eng.csMu.Unlock()
	if eng.running {
		panic(fmt.Errorf("EnableNew called while workers are running"))
	}
	eng.resize(lpCount)
	if threadCount >= 1 && threadCount < eng.threadCount {
		eng.threadCount = threadCount
	}
}

// Disable stops the worker pool if it is still running, then drops the
// LP registry
func (eng *MtpEngine) Disable() {
	if eng.running {
		eng.RunAfter()
	}
	eng.systems = nil
}

// nextUID allocates a fresh event uid.  A single monotone counter
// serves every LP so timestamp ties break in global insertion order
func (eng *MtpEngine) nextUID() uint64 {
	return eng.uidCounter.Add(1)
}

// CriticalSection runs fn holding the process-wide mutex.  Never call
// it with a function that invokes simulation events
func (eng *MtpEngine) CriticalSection(fn func()) {
	eng.csMu.Lock()
	defer eng.csMu.Unlock()
	fn()
}

// GetSize returns the number of LPs including the public LP
func (eng *MtpEngine) GetSize() int {
	return len(eng.systems)
}

// GetSystem returns the LP with the given id
func (eng *MtpEngine) GetSystem(idx int) *LogicalProcess {
	return eng.systems[idx]
}

// PublicLP returns the staging LP for pre-partition and no-context
// events
func (eng *MtpEngine) PublicLP() *LogicalProcess {
	return eng.systems[0]
}

// ThreadCount returns the number of workers the engine will run
func (eng *MtpEngine) ThreadCount() int {
	return eng.threadCount
}

// SetMinLookahead installs the minimum inter-LP delay, in ticks
func (eng *MtpEngine) SetMinLookahead(ticks int64) {
	if ticks < 0 {
		panic(fmt.Errorf("MinLookahead must be non-negative, got %d ticks", ticks))
	}
	eng.minLookaheadTicks = ticks
}

// MinLookahead returns the installed minimum inter-LP delay in ticks
func (eng *MtpEngine) MinLookahead() int64 {
	return eng.minLookaheadTicks
}

// SetRouter installs the context-to-LP mapping
func (eng *MtpEngine) SetRouter(router func(context int) *LogicalProcess) {
	eng.router = router
}

// routeContext resolves a node context to its owning LP.  Before a
// router is installed every context stages on the public LP
func (eng *MtpEngine) routeContext(context int) *LogicalProcess {
	if eng.router == nil {
		return eng.systems[0]
	}
	return eng.router(context)
}

// SetTracer attaches a trace manager recording grants and invocations
func (eng *MtpEngine) SetTracer(tm *TraceManager) {
	eng.tracer = tm
}

// traceInvoke records one event execution when tracing is active
func (eng *MtpEngine) traceInvoke(lp *LogicalProcess, se *schedEvent) {
	if eng.tracer == nil || !eng.tracer.Active() {
		return
	}
	eng.tracer.AddLPTrace(timeOfTicks(se.ts), lp.id, se.uid, "invoke")
}

// RunBefore starts the worker pool.  Called once, after partitioning
func (eng *MtpEngine) RunBefore() {
	if eng.running {
		return
	}
	eng.workCh = make(chan *LogicalProcess, len(eng.systems))
	for idx := 0; idx < eng.threadCount; idx++ {
		eng.workerWG.Add(1)
		go eng.worker()
	}
	eng.running = true
}

// RunAfter stops the worker pool and joins the workers
func (eng *MtpEngine) RunAfter() {
	if !eng.running {
		return
	}
	close(eng.workCh)
	eng.workerWG.Wait()
	eng.running = false
}

// worker pulls LPs off the shared work queue until the engine shuts
// down.  Pulling from the shared channel is what spreads an uneven
// round across the pool: any idle worker takes the next ready LP
func (eng *MtpEngine) worker() {
	defer eng.workerWG.Done()
	for lp := range eng.workCh {
		lp.processRound(eng.grantedTicks)
		eng.roundWG.Done()
	}
}

// CalculateSmallestTime computes the minimum next-event timestamp over
// all LPs.  Runs between rounds only: it drains each inbox so events
// deposited late in the previous round are counted.  A stopped LP
// treats its queue as empty, so it contributes nothing
func (eng *MtpEngine) CalculateSmallestTime() {
	smallest := infinityTicks
	for _, lp := range eng.systems {
		lp.drainInbox()
		if lp.stopped() {
			continue
		}
		if next := lp.NextTime(); next < smallest {
			smallest = next
		}
	}
	eng.smallestTicks = smallest
}

// GetSmallestTime returns the last computed smallest timestamp in ticks
func (eng *MtpEngine) GetSmallestTime() int64 {
	return eng.smallestTicks
}

// SetSmallestTime overrides the smallest timestamp.  The hybrid engine
// uses it to install the global minimum across ranks before a round
func (eng *MtpEngine) SetSmallestTime(ticks int64) {
	eng.smallestTicks = ticks
}

// IsFinished reports whether every LP is out of work
func (eng *MtpEngine) IsFinished() bool {
	for _, lp := range eng.systems {
		if !lp.finished() {
			return false
		}
	}
	return true
}

// Stop sets every LP's stop flag
func (eng *MtpEngine) Stop() {
	for _, lp := range eng.systems {
		lp.Stop()
	}
}

// GetEventCount returns the number of events invoked across all LPs
func (eng *MtpEngine) GetEventCount() uint64 {
	var count uint64
	for _, lp := range eng.systems {
		count += lp.GetEventCount()
	}
	return count
}

// windowLookahead returns the round's window extension: the minimum
// over the per-LP lookaheads when the partitioner published them, the
// engine-wide minimum lookahead otherwise.  Every event crossing
// between LPs traverses a cut link, so it incurs at least this delay
func (eng *MtpEngine) windowLookahead() int64 {
	la := infinityTicks
	for _, lp := range eng.systems {
		if lp.lookahead > 0 && lp.lookahead < la {
			la = lp.lookahead
		}
	}
	if la == infinityTicks {
		return eng.minLookaheadTicks
	}
	return la
}

// ProcessOneRound executes one granted time window.  The grant is the
// smallest pending timestamp plus the window lookahead: no LP bounded
// by the grant can produce a cross-LP event below it, because any event
// leaving a partition incurs at least that much delay
func (eng *MtpEngine) ProcessOneRound() {
	if eng.smallestTicks == infinityTicks {
		return
	}
	grant := eng.smallestTicks + eng.windowLookahead()
	if grant > maxSimulationTicks {
		grant = maxSimulationTicks
	}
	eng.grantedTicks = grant
	eng.round++

	if eng.tracer != nil && eng.tracer.Active() {
		eng.tracer.AddRoundTrace(timeOfTicks(grant), eng.round, eng.smallestTicks)
	}

	ready := make([]*LogicalProcess, 0, len(eng.systems))
	for _, lp := range eng.systems {
		if !lp.stopped() && !lp.scheduled.Empty() && lp.NextTime() <= grant {
			ready = append(ready, lp)
		}
	}
	for idx := len(ready) - 1; idx > 0; idx-- {
		swap := eng.dispatchRng.RandInt(0, idx)
		ready[idx], ready[swap] = ready[swap], ready[idx]
	}

	eng.roundWG.Add(len(ready))
	for _, lp := range ready {
		eng.workCh <- lp
	}
	eng.roundWG.Wait()
}
