package orchestrator

import (
	"container/heap"
	"time"
)

// queueEntry is one pending spec in the live dispatch heap, ordered by
// (priority desc, enqueued-at asc) per SPEC_FULL.md §4.3/§5's O(log n)
// priority-heap requirement.
type queueEntry struct {
	specID     string
	projectID  string
	priority   int
	enqueuedAt time.Time
	index      int
}

// priorityHeap implements container/heap.Interface. No priority-queue
// library appears anywhere in the example corpus, so this is built on the
// standard library directly.
type priorityHeap []*queueEntry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *priorityHeap) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// priorityQueue wraps priorityHeap with spec-id lookup/removal, used by
// Orchestrator under its single queue mutex.
type priorityQueue struct {
	h     priorityHeap
	bySID map[string]*queueEntry
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{bySID: make(map[string]*queueEntry)}
}

func (q *priorityQueue) push(specID, projectID string, priority int, enqueuedAt time.Time) {
	e := &queueEntry{specID: specID, projectID: projectID, priority: priority, enqueuedAt: enqueuedAt}
	q.bySID[specID] = e
	heap.Push(&q.h, e)
}

// pop returns and removes the highest-priority entry, or nil if empty.
func (q *priorityQueue) pop() *queueEntry {
	if q.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*queueEntry)
	delete(q.bySID, e.specID)
	return e
}

func (q *priorityQueue) remove(specID string) {
	e, ok := q.bySID[specID]
	if !ok {
		return
	}
	heap.Remove(&q.h, e.index)
	delete(q.bySID, specID)
}

func (q *priorityQueue) contains(specID string) bool {
	_, ok := q.bySID[specID]
	return ok
}

func (q *priorityQueue) len() int {
	return q.h.Len()
}
