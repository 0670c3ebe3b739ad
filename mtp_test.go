package mtpsim

import (
	"sync/atomic"
	"testing"
)

// runEngine drives granted-time windows until every LP is finished
func runEngine(eng *MtpEngine) {
	eng.RunBefore()
	for {
		eng.CalculateSmallestTime()
		if eng.IsFinished() {
			break
		}
		eng.ProcessOneRound()
	}
	eng.RunAfter()
}

func TestEngineRoundsDrainAllLPs(t *testing.T) {
	eng := CreateMtpEngine(4, 8)

	var invoked atomic.Uint64
	count := CreateEvent(func(lp *LogicalProcess, context any, data any) any {
		invoked.Add(1)
		return nil
	}, nil, nil)

	for idx := 1; idx <= 8; idx++ {
		lp := eng.GetSystem(idx)
		for k := 1; k <= 5; k++ {
			lp.Schedule(ms(float64(k)), count)
		}
	}

	runEngine(eng)

	if invoked.Load() != 40 {
		t.Fatalf("invoked %d events, want 40", invoked.Load())
	}
	if eng.GetEventCount() != 40 {
		t.Fatalf("engine event count %d, want 40", eng.GetEventCount())
	}
}

func TestEngineFewerThreadsThanLPs(t *testing.T) {
	// 2 workers share 8 LPs: idle workers pull the next ready LP off
	// the shared queue, so every LP still drains
	eng := CreateMtpEngine(2, 8)
	if eng.ThreadCount() != 2 {
		t.Fatalf("thread count %d, want 2", eng.ThreadCount())
	}

	var invoked atomic.Uint64
	for idx := 1; idx <= 8; idx++ {
		eng.GetSystem(idx).Schedule(ms(1), CreateEvent(func(lp *LogicalProcess, context any, data any) any {
			invoked.Add(1)
			return nil
		}, nil, nil))
	}
	runEngine(eng)
	if invoked.Load() != 8 {
		t.Fatalf("invoked %d events, want 8", invoked.Load())
	}
}

// TestEngineCrossScheduleStress rings events around 8 LPs under a full
// worker pool.  Every hop crosses an LP boundary through the inbox
// with a delay equal to the lookahead, so no hop can violate the
// granted window.  The exact final count shows no event was lost or
// duplicated
func TestEngineCrossScheduleStress(t *testing.T) {
	const lps = 8
	const chains = 125
	const hops = 100

	eng := CreateMtpEngine(lps, lps)
	eng.SetMinLookahead(ms(1).Ticks())
	eng.SetRouter(func(context int) *LogicalProcess {
		return eng.GetSystem(context)
	})

	var invoked atomic.Uint64
	var hop EventHandlerFunction
	hop = func(lp *LogicalProcess, context any, data any) any {
		invoked.Add(1)
		left := data.(int)
		if left > 0 {
			next := lp.ID()%lps + 1
			lp.ScheduleWithContextID(next, ms(1), CreateEvent(hop, nil, left-1))
		}
		return nil
	}

	for idx := 1; idx <= lps; idx++ {
		for c := 0; c < chains; c++ {
			eng.GetSystem(idx).Schedule(ms(1), CreateEvent(hop, nil, hops-1))
		}
	}

	runEngine(eng)

	want := uint64(lps * chains * hops)
	if invoked.Load() != want {
		t.Fatalf("invoked %d events, want exactly %d", invoked.Load(), want)
	}
	if eng.GetEventCount() != want {
		t.Fatalf("engine event count %d, want %d", eng.GetEventCount(), want)
	}
}

func TestEngineEnableNewPreservesPublicEvents(t *testing.T) {
	eng := CreateMtpEngine(4, 0)
	public := eng.PublicLP()

	var ran []int64
	public.Schedule(ms(2), noteEvent(&ran))
	public.Schedule(ms(4), noteEvent(&ran))

	eng.EnableNew(4, 4)
	if eng.GetSize() != 5 {
		t.Fatalf("LP count after EnableNew is %d, want 5", eng.GetSize())
	}
	if eng.PublicLP().scheduled.Len() != 2 {
		t.Fatalf("public LP lost staged events across EnableNew")
	}

	runEngine(eng)
	if len(ran) != 2 {
		t.Fatalf("staged events did not run, got %d", len(ran))
	}
}

func TestEngineSmallestTime(t *testing.T) {
	eng := CreateMtpEngine(2, 2)
	eng.GetSystem(1).Schedule(ms(5), noteEvent(&[]int64{}))
	eng.GetSystem(2).Schedule(ms(3), noteEvent(&[]int64{}))

	eng.CalculateSmallestTime()
	if eng.GetSmallestTime() != ms(3).Ticks() {
		t.Fatalf("smallest time %d, want %d", eng.GetSmallestTime(), ms(3).Ticks())
	}
}

func TestEngineInvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("zero MaxThreads did not panic")
		}
	}()
	CreateMtpEngine(0, 1)
}

func TestEngineNegativeLookaheadPanics(t *testing.T) {
	eng := CreateMtpEngine(1, 1)
	defer func() {
		if recover() == nil {
			t.Fatalf("negative lookahead did not panic")
		}
	}()
	eng.SetMinLookahead(-1)
}
