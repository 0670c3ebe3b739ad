package mtpsim

import (
	"sync"
	"testing"

	"github.com/iti/evt/vrtime"
)

// reception is one host-observable output: which node saw an event,
// at what virtual time, on behalf of which chain
type reception struct {
	context int
	ts      int64
	chain   int
}

// recorder collects receptions from concurrently executing LPs
type recorder struct {
	mu   sync.Mutex
	rcds []reception
}

func (rec *recorder) add(context int, ts int64, chain int) {
	rec.mu.Lock()
	rec.rcds = append(rec.rcds, reception{context: context, ts: ts, chain: chain})
	rec.mu.Unlock()
}

// byContext groups receptions per node, each group sorted by
// (ts, chain) so runs that only reorder simultaneous events compare
// equal
func (rec *recorder) byContext() map[int][]reception {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	grouped := make(map[int][]reception)
	for _, r := range rec.rcds {
		grouped[r.context] = append(grouped[r.context], r)
	}
	for _, group := range grouped {
		for i := 1; i < len(group); i++ {
			for j := i; j > 0; j-- {
				a, b := group[j-1], group[j]
				if b.ts < a.ts || (b.ts == a.ts && b.chain < a.chain) {
					group[j-1], group[j] = b, a
				} else {
					break
				}
			}
		}
	}
	return grouped
}

// sinkEvent records (context, clock, chain) when invoked
func sinkEvent(rec *recorder, chain int) Event {
	return CreateEvent(func(lp *LogicalProcess, context any, data any) any {
		rec.add(lp.GetContext(), lp.nowTicks(), chain)
		return nil
	}, nil, chain)
}

// buildDumbbell returns the 4+2+4 topology: four leaves behind each
// router, 2ms leaf links, one 5ms link joining the routers
func buildDumbbell(leftRank int, rightRank int) (*Topology, []int, []int) {
	topo := CreateTopology()
	leftRouter := topo.AddNode("leftRouter", leftRank)
	rightRouter := topo.AddNode("rightRouter", rightRank)
	topo.ConnectP2P(leftRouter, rightRouter, ms(5))

	leftLeaves := make([]int, 0, 4)
	rightLeaves := make([]int, 0, 4)
	for idx := 0; idx < 4; idx++ {
		left := topo.AddNode("left-"+string(rune('a'+idx)), leftRank)
		topo.ConnectP2P(left, leftRouter, ms(2))
		leftLeaves = append(leftLeaves, left.GetID())

		right := topo.AddNode("right-"+string(rune('a'+idx)), rightRank)
		topo.ConnectP2P(right, rightRouter, ms(2))
		rightLeaves = append(rightLeaves, right.GetID())
	}
	return topo, leftLeaves, rightLeaves
}

func TestDumbbellPartitionAndDelivery(t *testing.T) {
	topo, leftLeaves, rightLeaves := buildDumbbell(0, 0)

	cfg := CreateEngineCfg("dumbbell")
	cfg.MaxThreads = 4
	cfg.MinLookahead = 0.005
	sim := CreateMultithreadedSimulator(topo, cfg)

	rec := new(recorder)
	for idx, leaf := range leftLeaves {
		peer := rightLeaves[idx]
		chain := idx
		transmit := CreateEvent(func(lp *LogicalProcess, context any, data any) any {
			lp.ScheduleWithContextID(data.(int), ms(5), sinkEvent(rec, chain))
			return nil
		}, nil, peer)
		sim.ScheduleWithContext(leaf, vrtime.SecondsToTime(1.0+0.001*float64(idx)), transmit)
	}

	sim.Run()

	// the 5ms router link is the only cut, so each side is one LP
	if sim.Engine().GetSize() != 3 {
		t.Fatalf("partition built %d LPs, want 2 plus the public LP", sim.Engine().GetSize()-1)
	}
	leftLP := topo.GetNode(leftLeaves[0]).LocalLP()
	rightLP := topo.GetNode(rightLeaves[0]).LocalLP()
	if leftLP == rightLP {
		t.Fatalf("left and right halves share LP %d", leftLP)
	}
	for _, leaf := range leftLeaves {
		if topo.GetNode(leaf).LocalLP() != leftLP {
			t.Fatalf("left leaf %d not in LP %d", leaf, leftLP)
		}
	}
	for _, leaf := range rightLeaves {
		if topo.GetNode(leaf).LocalLP() != rightLP {
			t.Fatalf("right leaf %d not in LP %d", leaf, rightLP)
		}
	}

	if len(rec.rcds) != 4 {
		t.Fatalf("right sinks saw %d events, want 4", len(rec.rcds))
	}
	seen := make(map[int]int64)
	for _, r := range rec.rcds {
		seen[r.context] = r.ts
	}
	for idx, peer := range rightLeaves {
		want := vrtime.SecondsToTime(1.0+0.001*float64(idx)).Ticks() + ms(5).Ticks()
		got, present := seen[peer]
		if !present {
			t.Fatalf("right sink %d saw no event", peer)
		}
		if got != want {
			t.Fatalf("sink %d reception at %d ticks, want %d", peer, got, want)
		}
	}

	if sim.GetEventCount() != 8 {
		t.Fatalf("event count %d, want 8", sim.GetEventCount())
	}
}

// buildChain returns a 6 node line with 2ms links, so the auto median
// lookahead is 2ms and every link is cut: one LP per node
func buildChain() *Topology {
	topo := CreateTopology()
	prev := topo.AddNode("n0", 0)
	for idx := 1; idx < 6; idx++ {
		node := topo.AddNode("n"+string(rune('0'+idx)), 0)
		topo.ConnectP2P(prev, node, ms(2))
		prev = node
	}
	return topo
}

// runChainWorkload seeds one forwarding chain per node and returns the
// per-node reception groups
func runChainWorkload(maxThreads int) map[int][]reception {
	topo := buildChain()
	cfg := CreateEngineCfg("chain")
	cfg.MaxThreads = maxThreads
	sim := CreateMultithreadedSimulator(topo, cfg)

	rec := new(recorder)
	var hop EventHandlerFunction
	hop = func(lp *LogicalProcess, context any, data any) any {
		args := data.([2]int)
		chain, left := args[0], args[1]
		rec.add(lp.GetContext(), lp.nowTicks(), chain)
		if left > 0 {
			next := (lp.GetContext() + 1) % 6
			lp.ScheduleWithContextID(next, ms(2), CreateEvent(hop, nil, [2]int{chain, left - 1}))
		}
		return nil
	}

	for idx := 0; idx < 6; idx++ {
		sim.ScheduleWithContext(idx, ms(float64(idx+1)), CreateEvent(hop, nil, [2]int{idx, 20}))
	}

	sim.Run()
	return rec.byContext()
}

func TestParallelMatchesSequential(t *testing.T) {
	sequential := runChainWorkload(1)
	parallel := runChainWorkload(4)

	if len(sequential) != len(parallel) {
		t.Fatalf("runs touched different node sets: %d vs %d", len(sequential), len(parallel))
	}
	for context, seqGroup := range sequential {
		parGroup, present := parallel[context]
		if !present {
			t.Fatalf("parallel run has no receptions at node %d", context)
		}
		if len(seqGroup) != len(parGroup) {
			t.Fatalf("node %d saw %d events sequentially, %d in parallel",
				context, len(seqGroup), len(parGroup))
		}
		for idx := range seqGroup {
			if seqGroup[idx] != parGroup[idx] {
				t.Fatalf("node %d reception %d differs: %+v vs %+v",
					context, idx, seqGroup[idx], parGroup[idx])
			}
		}
		for idx := 1; idx < len(parGroup); idx++ {
			if parGroup[idx].ts < parGroup[idx-1].ts {
				t.Fatalf("node %d timestamps not monotone: %+v", context, parGroup)
			}
		}
	}
}

func TestStopAt(t *testing.T) {
	topo := CreateTopology()
	topo.AddNode("solo", 0)

	cfg := CreateEngineCfg("stop")
	cfg.MaxThreads = 2
	sim := CreateMultithreadedSimulator(topo, cfg)

	rec := new(recorder)
	sim.Schedule(ms(4), sinkEvent(rec, 0))
	sim.Schedule(ms(5), sinkEvent(rec, 1))
	sim.StopAt(ms(5))
	sim.Schedule(ms(6), sinkEvent(rec, 2))

	sim.Run()

	if len(rec.rcds) != 2 {
		t.Fatalf("invoked %d events, want 2 (4ms and 5ms)", len(rec.rcds))
	}
	if rec.rcds[0].ts != ms(4).Ticks() || rec.rcds[1].ts != ms(5).Ticks() {
		t.Fatalf("wrong events survived the stop: %+v", rec.rcds)
	}
	// 4ms, 5ms, and the stop event itself
	if sim.GetEventCount() != 3 {
		t.Fatalf("event count %d, want 3", sim.GetEventCount())
	}
}

func TestScheduleCancelRoundTrip(t *testing.T) {
	topo := CreateTopology()
	topo.AddNode("solo", 0)
	cfg := CreateEngineCfg("cancel")
	cfg.MaxThreads = 1
	sim := CreateMultithreadedSimulator(topo, cfg)

	rec := new(recorder)
	id := sim.Schedule(ms(1), sinkEvent(rec, 0))
	sim.Cancel(id)
	if !sim.IsExpired(id) {
		t.Fatalf("cancelled event not expired")
	}
	sim.Schedule(ms(2), sinkEvent(rec, 1))

	sim.Run()

	if len(rec.rcds) != 1 || rec.rcds[0].chain != 1 {
		t.Fatalf("cancelled event was invoked: %+v", rec.rcds)
	}

	// removing an already-expired id is a no-op
	sim.Remove(id)
	if sim.GetEventCount() != 1 {
		t.Fatalf("event count %d, want 1", sim.GetEventCount())
	}
}

func TestDestroyEvents(t *testing.T) {
	topo := CreateTopology()
	topo.AddNode("solo", 0)
	cfg := CreateEngineCfg("destroy")
	cfg.MaxThreads = 1
	sim := CreateMultithreadedSimulator(topo, cfg)

	var order []int
	mk := func(tag int) Event {
		return CreateEvent(func(lp *LogicalProcess, context any, data any) any {
			order = append(order, tag)
			return nil
		}, nil, nil)
	}

	first := sim.ScheduleDestroy(mk(1))
	dropped := sim.ScheduleDestroy(mk(2))
	sim.ScheduleDestroy(mk(3))

	if sim.IsExpired(first) {
		t.Fatalf("pending destroy event reported expired")
	}
	sim.Remove(dropped)
	if !sim.IsExpired(dropped) {
		t.Fatalf("removed destroy event still unexpired")
	}

	sim.Run()
	if len(order) != 0 {
		t.Fatalf("destroy events ran before Destroy: %v", order)
	}

	sim.Destroy()
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("destroy events ran as %v, want [1 3]", order)
	}
}

func TestSingleNodePartition(t *testing.T) {
	topo := CreateTopology()
	solo := topo.AddNode("solo", 0)

	cfg := CreateEngineCfg("single")
	cfg.MaxThreads = 4
	sim := CreateMultithreadedSimulator(topo, cfg)

	rec := new(recorder)
	sim.ScheduleWithContext(solo.GetID(), ms(1), sinkEvent(rec, 0))
	sim.Run()

	if sim.Engine().GetSize() != 2 {
		t.Fatalf("single node built %d LPs, want 1 plus the public LP", sim.Engine().GetSize()-1)
	}
	if solo.LocalLP() != 1 {
		t.Fatalf("single node assigned LP %d, want 1", solo.LocalLP())
	}
	if len(rec.rcds) != 1 {
		t.Fatalf("event did not run")
	}
}
