package scheduler

import (
	"container/heap"
	"time"

	"github.com/videoai/orchestrator/internal/domain"
)

// item is one queued task plus its scheduling bookkeeping.
type item struct {
	task *domain.Task

	// promotions counts aging promotions applied so far.
	promotions int
	// promotedAt is when the last promotion (or the enqueue) happened;
	// the aging pass measures waiting time from here.
	promotedAt time.Time

	enqueuedAt time.Time

	// readyAt gates delayed retries; zero means ready now.
	readyAt time.Time

	index int
}

func (it *item) effectivePriority() domain.TaskPriority {
	return it.task.EffectivePriority(it.promotions)
}

// readyQueue is a max-heap ordered by (effective priority desc,
// enqueue time asc): strict priority with FIFO inside a band.
type readyQueue []*item

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	pi, pj := q[i].effectivePriority(), q[j].effectivePriority()
	if pi != pj {
		return pi > pj
	}
	return q[i].enqueuedAt.Before(q[j].enqueuedAt)
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// delayQueue is a min-heap ordered by readyAt, holding backoff-scheduled
// retries until they are due.
type delayQueue []*item

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	return q[i].readyAt.Before(q[j].readyAt)
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// remove deletes the item at index i from whichever heap h holds it.
func remove(h heap.Interface, i int) {
	heap.Remove(h, i)
}
