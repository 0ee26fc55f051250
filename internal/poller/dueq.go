package poller

import (
	"container/heap"
	"sync"
	"time"

	"postpilot/internal/jobs"
)

// maxQueued bounds the in-memory delay queue. The periodic scan picks up
// anything that did not fit.
const maxQueued = 10000

type dueItem struct {
	owner string
	id    string
	at    time.Time
	index int
}

type dueHeap []*dueItem

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	it := x.(*dueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// dueQueue is a min-heap of job ids keyed by the instant they become ready.
// An id appears at most once; pushing it again moves it.
type dueQueue struct {
	mu    sync.Mutex
	h     dueHeap
	byID  map[string]*dueItem
	wake  chan struct{}
	limit int
}

func newDueQueue() *dueQueue {
	return &dueQueue{byID: map[string]*dueItem{}, wake: make(chan struct{}, 1), limit: maxQueued}
}

// push schedules j at. It returns false when the queue is full.
func (q *dueQueue) push(j *jobs.Job, at time.Time) bool {
	q.mu.Lock()
	if it, ok := q.byID[j.ID]; ok {
		it.at = at
		heap.Fix(&q.h, it.index)
	} else {
		if len(q.h) >= q.limit {
			q.mu.Unlock()
			return false
		}
		it := &dueItem{owner: j.Owner, id: j.ID, at: at}
		heap.Push(&q.h, it)
		q.byID[j.ID] = it
	}
	earliest := q.h[0].at
	q.mu.Unlock()

	if !earliest.After(at) {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// popDue removes and returns every item ready at now.
func (q *dueQueue) popDue(now time.Time) []*dueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*dueItem
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		it := heap.Pop(&q.h).(*dueItem)
		delete(q.byID, it.id)
		out = append(out, it)
	}
	return out
}

// next returns the earliest ready time.
func (q *dueQueue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].at, true
}

func (q *dueQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.byID[id]; ok {
		heap.Remove(&q.h, it.index)
		delete(q.byID, id)
	}
}

func (q *dueQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
