package mtpsim

// hybrid.go federates one engine per cluster rank.  Each rank runs its
// local LPs with the multithreaded machinery; between rounds the ranks
// exchange lower-bound timestamp records through a collective
// all-gather, and the global minimum becomes the granted time window.
// The rx/tx counts in the records detect in-flight inter-rank
// messages: a round is only granted when every posted message has been
// delivered, and the run only ends when that holds while every rank is
// locally finished

import (
	"fmt"
)

// LbtsMessage is the fixed-shape record each rank contributes to the
// all-gather.  SmallestTime is the rank's minimum pending timestamp in
// ticks, infinityTicks when the rank has no pending events
type LbtsMessage struct {
	RxCount      uint32
	TxCount      uint32
	Rank         uint32
	Finished     bool
	SmallestTime int64
}

// RankTransport is the facade over the inter-rank message layer.  The
// host owns serialization and delivery of simulation packets; the
// engine only drives the receive/flush hooks and the collective
type RankTransport interface {
	// ReceiveMessages delivers any inter-rank packets that arrived,
	// scheduling their events on the local LPs
	ReceiveMessages()

	// TestSendComplete reclaims completed sends
	TestSendComplete()

	// GetRxCount returns the monotone count of delivered messages
	GetRxCount() uint32

	// GetTxCount returns the monotone count of posted messages
	GetTxCount() uint32

	// GetSystemId returns this rank's id
	GetSystemId() uint32

	// GetSize returns the number of ranks
	GetSize() uint32

	// Allgather exchanges one LbtsMessage per rank, returning the
	// records of all ranks indexed by rank id
	Allgather(local LbtsMessage) []LbtsMessage
}

// HybridSimulator runs the local rank's share of a federated
// simulation.  It embeds the single-host facade for everything except
// the run loop
type HybridSimulator struct {
	*MultithreadedSimulator

	transport      RankTransport
	myID           uint32
	systemCount    uint32
	globalFinished bool
}

// CreateHybridSimulator is a constructor.  Nodes whose rank in the
// topology equals the transport's system id are local to this engine
func CreateHybridSimulator(topo *Topology, cfg *EngineCfg, transport RankTransport) *HybridSimulator {
	hsim := new(HybridSimulator)
	hsim.MultithreadedSimulator = CreateMultithreadedSimulator(topo, cfg)
	hsim.transport = transport
	hsim.myID = transport.GetSystemId()
	hsim.systemCount = transport.GetSize()
	hsim.prt.rank = int(hsim.myID)
	return hsim
}

// GetSystemId returns this rank's id
func (hsim *HybridSimulator) GetSystemId() uint32 {
	return hsim.myID
}

// IsLocalFinished reports whether the local LPs are out of work
func (hsim *HybridSimulator) IsLocalFinished() bool {
	return hsim.eng.IsFinished()
}

// IsFinished reports whether every rank is finished with no in-flight
// messages, as of the last all-gather
func (hsim *HybridSimulator) IsFinished() bool {
	return hsim.globalFinished
}

// Run executes the granted-time-window protocol until every rank is
// finished and the global rx and tx counts agree.  Each pass delivers
// pending inter-rank messages, gathers every rank's smallest pending
// timestamp, and runs one local round inside the global window when no
// messages are in flight
func (hsim *HybridSimulator) Run() {
	hsim.partition()
	hsim.eng.RunBefore()

	hsim.globalFinished = false
	for !hsim.globalFinished {
		hsim.transport.ReceiveMessages()
		hsim.transport.TestSendComplete()
		hsim.eng.CalculateSmallestTime()

		local := LbtsMessage{
			RxCount:      hsim.transport.GetRxCount(),
			TxCount:      hsim.transport.GetTxCount(),
			Rank:         hsim.myID,
			Finished:     hsim.IsLocalFinished(),
			SmallestTime: hsim.eng.GetSmallestTime(),
		}
		records := hsim.transport.Allgather(local)
		if uint32(len(records)) != hsim.systemCount {
			panic(fmt.Errorf("allgather returned %d records for %d ranks", len(records), hsim.systemCount))
		}

		smallest := infinityTicks
		var totRx, totTx uint32
		finished := true
		for _, rec := range records {
			if rec.SmallestTime < smallest {
				smallest = rec.SmallestTime
			}
			totRx += rec.RxCount
			totTx += rec.TxCount
			finished = finished && rec.Finished
		}
		hsim.eng.SetSmallestTime(smallest)

		// all ranks idle and no transient messages ends the run
		hsim.globalFinished = finished && totRx == totTx

		// only process inside the window when no messages are in
		// flight; a transient message could carry a timestamp below
		// the window we would otherwise grant
		if totRx == totTx && !hsim.IsLocalFinished() {
			hsim.eng.ProcessOneRound()
		}
	}

	hsim.eng.RunAfter()
}

var _ SimulatorImpl = (*HybridSimulator)(nil)
var _ SimulatorImpl = (*MultithreadedSimulator)(nil)
