package crawler

import (
	"sync"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// NamespaceLimiter enforces max nodes per namespace index. A limit of 0
// disables it
type NamespaceLimiter struct {
	maxPerNamespace int
	mu              sync.RWMutex
	// Map: namespace index -> set of node ids
	nodes map[uint16]map[ua.NodeID]bool
}

// NewNamespaceLimiter creates a new namespace limiter
func NewNamespaceLimiter(maxPerNamespace int) *NamespaceLimiter {
	return &NamespaceLimiter{
		maxPerNamespace: maxPerNamespace,
		nodes:           make(map[uint16]map[ua.NodeID]bool),
	}
}

// Add registers a node with the limiter
// Returns true if added successfully, false if limit exceeded
func (nl *NamespaceLimiter) Add(id ua.NodeID) bool {
	ns := id.Namespace()

	nl.mu.Lock()
	defer nl.mu.Unlock()

	if nl.nodes[ns] == nil {
		nl.nodes[ns] = make(map[ua.NodeID]bool)
	}
	set := nl.nodes[ns]

	if set[id] {
		return true
	}
	if nl.maxPerNamespace > 0 && len(set) >= nl.maxPerNamespace {
		return false
	}

	set[id] = true
	return true
}

// Count returns the number of nodes registered for a namespace
func (nl *NamespaceLimiter) Count(ns uint16) int {
	nl.mu.RLock()
	defer nl.mu.RUnlock()
	return len(nl.nodes[ns])
}

// Reset forgets all registered nodes
func (nl *NamespaceLimiter) Reset() {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	nl.nodes = make(map[uint16]map[ua.NodeID]bool)
}
