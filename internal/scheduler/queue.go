package scheduler

import (
	"container/heap"
	"time"
)

// entry is the scheduling state of one source
type entry struct {
	sourceID     string
	nextDueAt    time.Time
	lastPolledAt time.Time
	failures     int
	lastError    string
	fetches      int64
	index        int // heap index, -1 when not queued
}

// dueQueue is a min-heap on nextDueAt, ties broken by source id
type dueQueue []*entry

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if !q[i].nextDueAt.Equal(q[j].nextDueAt) {
		return q[i].nextDueAt.Before(q[j].nextDueAt)
	}
	return q[i].sourceID < q[j].sourceID
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// peek returns the earliest entry without removing it
func (q dueQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *dueQueue) push(e *entry) {
	heap.Push(q, e)
}

func (q *dueQueue) pop() *entry {
	return heap.Pop(q).(*entry)
}

func (q *dueQueue) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(q, e.index)
	}
}
