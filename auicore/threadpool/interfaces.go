package threadpool

import (
	"context"
	"errors"
	"fmt"
)

type Priority int

const (
	High Priority = iota
	Medium
	Low
)

const priorityCount = 3

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= High && p <= Low
}

// Task is a unit of work run by a pool worker. ctx is cancelled when the
// pool stops.
type Task func(ctx context.Context) error

// Runner submits a task; Fence hands a counting Runner to its callback.
type Runner func(task Task, priority Priority) error

var (
	// ErrTryLater is returned by a task that cannot proceed yet. The task is
	// parked until RunLaterTasks is called.
	ErrTryLater = errors.New("threadpool: try later")

	ErrStopped         = errors.New("threadpool: pool is stopped")
	ErrDropped         = errors.New("threadpool: task dropped before it ran")
	ErrUnknownPriority = errors.New("threadpool: unknown priority")
	ErrNoWorkers       = errors.New("threadpool: worker count must be positive")
)

// PanicError carries a panic recovered from a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("threadpool: task panicked: %v", e.Value)
}
