package mtpsim

// partition.go assigns every simulated node to a logical process.  The
// approach converts the channel connectivity of the local nodes into a
// graph-package representation, drops the edges whose link delay is
// large enough to serve as lookahead, and lets a breadth-first walk
// enumerate the remaining connected regions: each region becomes one
// logical process.  Cutting only links whose delay is at least the
// minimum lookahead guarantees every event crossing between two LPs
// incurs at least that much virtual-time delay

import (
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// Partitioner walks the topology once, before the run starts, and
// resizes the engine's LP registry to the partition count it finds
type Partitioner struct {
	topo *Topology
	rank int

	// minimum inter-LP delay in ticks; 0 selects the median of the
	// local point-to-point link delays
	minLookaheadTicks int64
}

// CreatePartitioner is a constructor.  rank selects which nodes are
// local: only nodes whose initial system id equals rank are assigned
// to LPs of this engine
func CreatePartitioner(topo *Topology, rank int) *Partitioner {
	prt := new(Partitioner)
	prt.topo = topo
	prt.rank = rank
	return prt
}

// SetMinLookahead overrides the computed minimum lookahead, in ticks
func (prt *Partitioner) SetMinLookahead(ticks int64) {
	prt.minLookaheadTicks = ticks
}

// MinLookahead returns the minimum lookahead in ticks, valid after
// Partition ran
func (prt *Partitioner) MinLookahead() int64 {
	return prt.minLookaheadTicks
}

// localP2PDelays gathers the delay of every point-to-point channel
// attached to a local node
func (prt *Partitioner) localP2PDelays() []int64 {
	delays := make([]int64, 0)
	for _, node := range prt.topo.Nodes() {
		if node.Rank() != prt.rank {
			continue
		}
		for idx := 0; idx < node.GetNDevices(); idx++ {
			dev := node.GetDevice(idx)
			ch := dev.GetChannel()
			if ch == nil {
				continue
			}
			if dev.IsPointToPoint() {
				delays = append(delays, ch.delay())
			}
		}
	}
	return delays
}

// medianDelay returns the median of the given delays, averaging the
// middle pair when the count is even.  An empty set yields 0
func medianDelay(delays []int64) int64 {
	if len(delays) == 0 {
		return 0
	}
	slices.Sort(delays)
	mid := len(delays) / 2
	if len(delays)%2 == 1 {
		return delays[mid]
	}
	return (delays[mid-1] + delays[mid]) / 2
}

// cut reports whether a channel is a partition boundary: only
// point-to-point links with delay at least the minimum lookahead are
// cut, so the cut edges are the source of the lookahead
func (prt *Partitioner) cut(dev *NetDevice) bool {
	return dev.IsPointToPoint() && dev.GetChannel().delay() >= prt.minLookaheadTicks
}

// buildConnGraph converts the local, uncut connectivity into the graph
// package's representation.  Node ids carry over as graph node ids
func (prt *Partitioner) buildConnGraph() *simple.UndirectedGraph {
	connGraph := simple.NewUndirectedGraph()
	for _, node := range prt.topo.Nodes() {
		if node.Rank() != prt.rank {
			continue
		}
		connGraph.AddNode(simple.Node(node.GetID()))
	}
	for _, node := range prt.topo.Nodes() {
		if node.Rank() != prt.rank {
			continue
		}
		for idx := 0; idx < node.GetNDevices(); idx++ {
			dev := node.GetDevice(idx)
			ch := dev.GetChannel()
			if ch == nil || prt.cut(dev) {
				continue
			}
			for jdx := 0; jdx < ch.GetNDevices(); jdx++ {
				remote := ch.GetDevice(jdx).GetNode()
				// only peers on this rank join the partition
				if remote.GetID() == node.GetID() || remote.Rank() != prt.rank {
					continue
				}
				connGraph.SetEdge(simple.Edge{
					F: simple.Node(node.GetID()),
					T: simple.Node(remote.GetID()),
				})
			}
		}
	}
	return connGraph
}

// Partition computes the minimum lookahead if unset, walks the local
// connectivity breadth-first to assign each node a local LP id,
// resizes the engine, and replays the events staged on the public LP.
// The return is the number of LPs created
func (prt *Partitioner) Partition(eng *MtpEngine) int {
	if prt.minLookaheadTicks == 0 {
		prt.minLookaheadTicks = medianDelay(prt.localP2PDelays())
	}
	eng.SetMinLookahead(prt.minLookaheadTicks)

	connGraph := prt.buildConnGraph()

	localLpID := 0
	visited := make(map[int]bool)
	for _, node := range prt.topo.Nodes() {
		if visited[node.GetID()] || node.Rank() != prt.rank {
			continue
		}
		localLpID++
		lpID := localLpID
		bfs := traverse.BreadthFirst{
			Visit: func(gn graph.Node) {
				member := prt.topo.GetNode(int(gn.ID()))
				visited[member.GetID()] = true
				member.SetSystemID(lpID<<16 | prt.rank)
				if eng.tracer != nil && eng.tracer.Active() {
					eng.tracer.AddName(member.GetID(), member.GetName(), "node")
				}
			},
		}
		bfs.Walk(connGraph, simple.Node(node.GetID()), nil)
	}

	systemCount := localLpID
	eng.EnableNew(systemCount, systemCount)
	prt.publishLookahead(eng, systemCount)
	prt.replay(eng)
	return systemCount
}

// publishLookahead gives each LP the minimum delay of the cut links
// touching its partition.  A partition with no cut links keeps the
// engine-wide minimum
func (prt *Partitioner) publishLookahead(eng *MtpEngine, systemCount int) {
	minCut := make(map[int]int64)
	for _, node := range prt.topo.Nodes() {
		if node.Rank() != prt.rank {
			continue
		}
		for idx := 0; idx < node.GetNDevices(); idx++ {
			dev := node.GetDevice(idx)
			if dev.GetChannel() == nil || !prt.cut(dev) {
				continue
			}
			lpID := node.LocalLP()
			delay := dev.GetChannel().delay()
			if known, present := minCut[lpID]; !present || delay < known {
				minCut[lpID] = delay
			}
		}
	}
	for lpID := 1; lpID <= systemCount; lpID++ {
		la := prt.minLookaheadTicks
		if cutDelay, present := minCut[lpID]; present && cutDelay > la {
			la = cutDelay
		}
		eng.GetSystem(lpID).SetLookahead(la)
	}
}

// replay transfers the events staged on the public LP to the LPs that
// now own their contexts.  Initialization events at time 0 may carry
// ordering dependencies, so they are invoked immediately in insertion
// order instead of being left for parallel rounds.  Timestamps and
// uids carry over unchanged, preserving tie-breaks
func (prt *Partitioner) replay(eng *MtpEngine) {
	public := eng.PublicLP()
	public.drainInbox()
	staged := public.scheduled.DrainInto(make([]*schedEvent, 0, public.scheduled.Len()))

	for _, se := range staged {
		target := 0
		if se.context != NoContext {
			target = prt.topo.GetNode(se.context).LocalLP()
		}
		switch {
		case se.ts == 0:
			eng.GetSystem(target).InvokeNow(se)
		case se.context == NoContext:
			public.scheduled.Insert(se)
		default:
			eng.GetSystem(target).scheduled.Insert(se)
		}
	}
}
