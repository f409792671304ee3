package scheduler

import (
	"time"
	"weak"
)

type task struct {
	when  time.Time
	seq   uint64
	fn    func()
	timer weak.Pointer[Timer] // zero for plain delayed tasks
	timed bool
}

// taskQueue is a container/heap ordered by due time, then by insertion.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) {
	*q = append(*q, x.(*task))
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
