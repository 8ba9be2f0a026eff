package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/storage"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

type edgeKey struct {
	from ua.NodeID
	to   ua.NodeID
}

// Graph holds the reference graph of one crawl in memory. Unlike the crawl
// tree it keeps references to nodes that were already visited, so cycles
// and shared children survive into the snapshot
type Graph struct {
	nodes     map[ua.NodeID]*storage.Node
	nodeOrder []ua.NodeID
	edges     map[edgeKey]*storage.Edge
	edgeOrder []edgeKey
	mu        sync.RWMutex
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[ua.NodeID]*storage.Node),
		edges: make(map[edgeKey]*storage.Edge),
	}
}

// UpsertNode inserts a node or fills in names that were unknown so far
func (g *Graph) UpsertNode(id ua.NodeID, browseName, displayName string, class ua.NodeClass, depth int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if node, exists := g.nodes[id]; exists {
		if browseName != "" {
			node.BrowseName = browseName
		}
		if displayName != "" {
			node.DisplayName = displayName
		}
		if class != ua.NodeClassUnspecified {
			node.NodeClass = class.String()
		}
		return
	}

	g.nodes[id] = &storage.Node{
		NodeID:      string(id),
		BrowseName:  browseName,
		DisplayName: displayName,
		NodeClass:   class.String(),
		Depth:       depth,
		CreatedAt:   time.Now(),
	}
	g.nodeOrder = append(g.nodeOrder, id)
}

// MarkError records the failure that stopped a node from being explored
func (g *Graph) MarkError(id ua.NodeID, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[id]
	if !exists {
		return fmt.Errorf("node %s not found", id)
	}
	node.Error = err.Error()
	return nil
}

// UpsertEdge inserts a new reference or increments its weight if it exists
func (g *Graph) UpsertEdge(from, to, refType ua.NodeID, crossReference bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Verify nodes exist
	if _, exists := g.nodes[from]; !exists {
		return fmt.Errorf("source node %s not found", from)
	}
	if _, exists := g.nodes[to]; !exists {
		return fmt.Errorf("target node %s not found", to)
	}

	key := edgeKey{from: from, to: to}
	if edge, exists := g.edges[key]; exists {
		edge.Weight++
		return nil
	}

	g.edges[key] = &storage.Edge{
		FromNodeID:     string(from),
		ToNodeID:       string(to),
		ReferenceType:  string(refType),
		CrossReference: crossReference,
		Weight:         1,
	}
	g.edgeOrder = append(g.edgeOrder, key)
	return nil
}

// GetNode retrieves a copy of a node
func (g *Graph) GetNode(id ua.NodeID) (*storage.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if node, exists := g.nodes[id]; exists {
		nodeCopy := *node
		return &nodeCopy, true
	}
	return nil, false
}

// Edges returns copies of all edges in insertion order
func (g *Graph) Edges() []storage.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]storage.Edge, 0, len(g.edgeOrder))
	for _, key := range g.edgeOrder {
		out = append(out, *g.edges[key])
	}
	return out
}

// GetStats returns current graph statistics
func (g *Graph) GetStats() (nodeCount, edgeCount int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.nodes), len(g.edges)
}

// Flush writes all in-memory data of the run to SQLite storage
func (g *Graph) Flush(store *storage.Storage, runID string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	startTime := time.Now()
	logrus.Info("Starting flush to database...")

	nodes := make([]*storage.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		nodes = append(nodes, g.nodes[id])
	}
	edges := make([]*storage.Edge, 0, len(g.edgeOrder))
	for _, key := range g.edgeOrder {
		edges = append(edges, g.edges[key])
	}

	if err := store.WriteSnapshot(runID, nodes, edges); err != nil {
		return fmt.Errorf("flush run %s: %w", runID, err)
	}

	duration := time.Since(startTime)
	logrus.Infof("Flush complete: %d nodes, %d references written in %v", len(nodes), len(edges), duration)

	return nil
}
