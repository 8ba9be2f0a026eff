package crawler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

func TestQueue_DedupAndDrain(t *testing.T) {
	q := NewQueue()

	assert.True(t, q.Push(QueueEntry{Node: &Node{NodeID: "i=85"}}))
	assert.False(t, q.Push(QueueEntry{Node: &Node{NodeID: "i=85"}, Depth: 3}))
	assert.True(t, q.Push(QueueEntry{Node: &Node{NodeID: "ns=2;s=A"}, Depth: 1}))
	assert.Equal(t, 2, q.Size())

	level := q.Drain()
	require.Len(t, level, 2)
	assert.Equal(t, ua.NodeID("i=85"), level[0].Node.NodeID)
	assert.True(t, q.IsEmpty())

	// drained nodes stay visited
	assert.False(t, q.Push(QueueEntry{Node: &Node{NodeID: "ns=2;s=A"}}))
	assert.True(t, q.Visited("ns=2;s=A"))
	assert.Equal(t, 2, q.VisitedCount())
}

func TestQueue_Release(t *testing.T) {
	q := NewQueue()
	q.Push(QueueEntry{Node: &Node{NodeID: "i=85"}})
	q.Release()

	assert.True(t, q.IsEmpty())
	assert.Zero(t, q.VisitedCount())
	assert.False(t, q.Push(QueueEntry{Node: &Node{NodeID: "ns=2;s=B"}}))
}

func TestNamespaceLimiter(t *testing.T) {
	nl := NewNamespaceLimiter(2)

	assert.True(t, nl.Add("ns=2;s=A"))
	assert.True(t, nl.Add("ns=2;s=B"))
	assert.True(t, nl.Add("ns=2;s=A"), "registered nodes stay allowed")
	assert.False(t, nl.Add("ns=2;s=C"))
	assert.True(t, nl.Add("ns=3;s=C"))
	assert.Equal(t, 2, nl.Count(2))

	nl.Reset()
	assert.Zero(t, nl.Count(2))

	unlimited := NewNamespaceLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Add(ua.NodeID(fmt.Sprintf("ns=1;i=%d", i))))
	}
}

func TestFilterReferences(t *testing.T) {
	f, err := NewFilter([]string{`(?i)^server$`, `^_`})
	require.NoError(t, err)

	refs := []ua.Reference{
		{NodeID: "i=2253", BrowseName: "Server"},
		{NodeID: "ns=2;s=A", BrowseName: "A"},
		{NodeID: "ns=2;s=A", BrowseName: "A"},
		{NodeID: "ns=2;s=Hidden", BrowseName: "_hidden"},
		{NodeID: "", BrowseName: "broken"},
		{NodeID: "ns=2;s=B", BrowseName: "B"},
	}

	got := FilterReferences(refs, f)
	require.Len(t, got, 2)
	assert.Equal(t, ua.NodeID("ns=2;s=A"), got[0].NodeID)
	assert.Equal(t, ua.NodeID("ns=2;s=B"), got[1].NodeID)

	var none *Filter
	assert.False(t, none.IsExcluded("Server"))
}
