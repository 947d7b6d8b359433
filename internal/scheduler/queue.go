package scheduler

import (
	"container/heap"
	"time"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

// pendingEntry is one queued incident awaiting admission.
type pendingEntry struct {
	incident models.Incident
	priority int
	queuedAt time.Time
	// seq preserves FIFO order among equal priorities.
	seq uint64
}

// pendingQueue orders entries by priority descending, ties broken by
// insertion order. Not safe for concurrent use; callers hold the scheduler
// mutex.
type pendingQueue struct {
	entries entryHeap
	nextSeq uint64
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

// Push enqueues the incident with the given priority.
func (q *pendingQueue) Push(incident models.Incident, priority int, queuedAt time.Time) {
	entry := pendingEntry{
		incident: incident,
		priority: priority,
		queuedAt: queuedAt,
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.entries, entry)
}

// PopHighest removes and returns the highest-priority entry.
func (q *pendingQueue) PopHighest() (pendingEntry, bool) {
	if q.entries.Len() == 0 {
		return pendingEntry{}, false
	}
	return heap.Pop(&q.entries).(pendingEntry), true
}

// EvictLowest removes and returns the lowest-priority entry; among equal
// priorities the most recently queued one goes first. Linear scan: eviction
// only happens when the bounded queue overflows.
func (q *pendingQueue) EvictLowest() (pendingEntry, bool) {
	if q.entries.Len() == 0 {
		return pendingEntry{}, false
	}
	lowest := 0
	for i := 1; i < len(q.entries); i++ {
		if q.entries.Less(lowest, i) {
			lowest = i
		}
	}
	entry := q.entries[lowest]
	heap.Remove(&q.entries, lowest)
	return entry, true
}

// MinPriority returns the lowest priority currently queued.
func (q *pendingQueue) MinPriority() (int, bool) {
	if q.entries.Len() == 0 {
		return 0, false
	}
	lowest := 0
	for i := 1; i < len(q.entries); i++ {
		if q.entries.Less(lowest, i) {
			lowest = i
		}
	}
	return q.entries[lowest].priority, true
}

// Len returns the queue depth.
func (q *pendingQueue) Len() int {
	return q.entries.Len()
}

type entryHeap []pendingEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(pendingEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
