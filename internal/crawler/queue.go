package crawler

import (
	"sync"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// QueueEntry is a node waiting to be expanded
type QueueEntry struct {
	Node  *Node
	Depth int
}

// Queue is the crawl frontier: a FIFO with deduplication by NodeId over
// the whole crawl
type Queue struct {
	mu       sync.Mutex
	items    []QueueEntry
	visited  map[ua.NodeID]bool
	released bool
}

// NewQueue creates a new frontier
func NewQueue() *Queue {
	return &Queue{
		items:   make([]QueueEntry, 0),
		visited: make(map[ua.NodeID]bool),
	}
}

// Push adds an entry unless its node was already visited
// Returns true if added, false if duplicate or released
func (q *Queue) Push(entry QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return false
	}

	if q.visited[entry.Node.NodeID] {
		return false
	}

	q.visited[entry.Node.NodeID] = true
	q.items = append(q.items, entry)
	return true
}

// Visited reports whether id was ever pushed
func (q *Queue) Visited(id ua.NodeID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.visited[id]
}

// Drain removes and returns every queued entry in FIFO order. Entries
// pushed while the caller processes the result form the next level
func (q *Queue) Drain() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.items
	q.items = make([]QueueEntry, 0, len(entries))
	return entries
}

// IsEmpty returns true if the queue has no items
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Size returns the current number of items in the queue
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// VisitedCount returns the number of distinct nodes pushed so far
func (q *Queue) VisitedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visited)
}

// Release drops the pending items and the visited set. The queue accepts
// nothing afterwards
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.released = true
	q.items = nil
	q.visited = nil
}
