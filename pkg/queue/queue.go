// Package queue provides a bounded priority queue drained by a fixed pool of
// workers.
package queue

import (
	"container/heap"
	"context"
	"sort"
)

// Task is a unit of work executed by a pool worker.
type Task interface {
	Run(ctx context.Context)
}

// Entry is a queued task. It stays valid after the task was taken by a
// worker so callers can tell queued and running tasks apart.
type Entry struct {
	task     Task
	priority bool
	seq      uint64
	// index in the heap, -1 once the entry left the queue
	index int
}

// priorityQueue orders priority entries first and FIFO within a priority.
type priorityQueue []*Entry

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priorityQueue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *priorityQueue) push(e *Entry) {
	heap.Push(q, e)
}

func (q *priorityQueue) pop() *Entry {
	return heap.Pop(q).(*Entry)
}

func (q *priorityQueue) remove(e *Entry) bool {
	if e.index < 0 || e.index >= len(*q) || (*q)[e.index] != e {
		return false
	}
	heap.Remove(q, e.index)
	return true
}

// sorted returns the entries in the order workers will take them.
func (q priorityQueue) sorted() []*Entry {
	out := make(priorityQueue, len(q))
	copy(out, q)
	sort.Slice(out, out.Less)
	return out
}
