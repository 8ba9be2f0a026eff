package eventdump

import (
	"sync"
)

// Queue is an unbounded, thread-safe FIFO of dump tasks
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []DumpTask
	stopped bool
}

// NewQueue creates a new task queue
func NewQueue() *Queue {
	q := &Queue{
		items: make([]DumpTask, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a task without blocking
// Returns false if the queue was stopped
func (q *Queue) Push(task DumpTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	q.items = append(q.items, task)

	// Signal the waiting consumer
	q.cond.Signal()

	return true
}

// Pop removes and returns the first task
// Blocks if queue is empty and not stopped
// Returns (task, true) if successful, (empty, false) if stopped and empty
func (q *Queue) Pop() (DumpTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = DumpTask{}
			q.items = q.items[1:]
			return task, true
		}

		if q.stopped {
			return DumpTask{}, false
		}

		q.cond.Wait()
	}
}

// Size returns the current number of queued tasks
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop signals the queue to stop accepting new tasks
// The consumer drains remaining tasks, then Pop returns false
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}
