package mtpsim

// eventq.go implements the pending-event queue owned by each logical
// process.  The queue is a min-heap keyed by (timestamp, uid); uids are
// allocated from a single monotone counter, so ties in timestamp break
// in insertion order

import (
	"container/heap"
)

// schedEvent is an event bound to its ordering key and node context
type schedEvent struct {
	ev      Event
	ts      int64
	context int
	uid     uint64
}

// before orders schedEvents by timestamp, then by uid
func (se *schedEvent) before(other *schedEvent) bool {
	if se.ts != other.ts {
		return se.ts < other.ts
	}
	return se.uid < other.uid
}

// pendingHeap implements a min-priority heap on (ts, uid)
type pendingHeap []*schedEvent

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) {
	*h = append(*h, x.(*schedEvent))
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// pendingQueue wraps the heap with the operations the LP needs
type pendingQueue struct {
	h pendingHeap
}

// createPendingQueue is a constructor
func createPendingQueue() *pendingQueue {
	pq := new(pendingQueue)
	pq.h = make(pendingHeap, 0)
	heap.Init(&pq.h)
	return pq
}

// Insert places an event in the queue
func (pq *pendingQueue) Insert(se *schedEvent) {
	heap.Push(&pq.h, se)
}

// PeekNext returns the event with the smallest (ts, uid) key without
// removing it, or nil if the queue is empty
func (pq *pendingQueue) PeekNext() *schedEvent {
	if len(pq.h) == 0 {
		return nil
	}
	return pq.h[0]
}

// RemoveNext pops and returns the event with the smallest (ts, uid)
// key, or nil if the queue is empty
func (pq *pendingQueue) RemoveNext() *schedEvent {
	if len(pq.h) == 0 {
		return nil
	}
	return heap.Pop(&pq.h).(*schedEvent)
}

// Remove takes the event with the given uid out of the queue.  The
// return indicates whether it was found
func (pq *pendingQueue) Remove(uid uint64) bool {
	for idx := 0; idx < len(pq.h); idx++ {
		if pq.h[idx].uid == uid {
			heap.Remove(&pq.h, idx)
			return true
		}
	}
	return false
}

// Len returns the number of pending events
func (pq *pendingQueue) Len() int {
	return len(pq.h)
}

// Empty reports whether no events are pending
func (pq *pendingQueue) Empty() bool {
	return len(pq.h) == 0
}

// DrainInto removes every event in (ts, uid) order and appends it to
// the given slice, returning the extended slice
func (pq *pendingQueue) DrainInto(dst []*schedEvent) []*schedEvent {
	for len(pq.h) > 0 {
		dst = append(dst, heap.Pop(&pq.h).(*schedEvent))
	}
	return dst
}
