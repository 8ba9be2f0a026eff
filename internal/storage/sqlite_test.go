package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := openStore(t)
	started := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.BeginRun(Run{
		RunID:          "run-1",
		Endpoint:       "opc.tcp://plc:4840",
		SecurityMode:   "Sign",
		SecurityPolicy: "Basic256",
		RootNodeID:     "i=85",
		StartedAt:      started,
	}))

	require.NoError(t, store.FinishRun(Run{
		RunID:            "run-1",
		FinishedAt:       started.Add(time.Minute),
		NodeCount:        3,
		ErrorCount:       1,
		ReadCount:        2,
		BrowseCount:      3,
		TransactionCount: 5,
	}))

	run, err := store.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "opc.tcp://plc:4840", run.Endpoint)
	assert.Equal(t, 3, run.NodeCount)
	assert.Equal(t, int64(5), run.TransactionCount)
	assert.False(t, run.FinishedAt.IsZero())

	missing, err := store.GetRun("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWriteSnapshot(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.BeginRun(Run{RunID: "run-1", Endpoint: "opc.tcp://plc:4840", StartedAt: time.Now()}))

	nodes := []*Node{
		{NodeID: "i=85", BrowseName: "Objects", NodeClass: "Object"},
		{NodeID: "ns=2;s=A", BrowseName: "A", NodeClass: "Object", Depth: 1},
		{NodeID: "ns=2;s=B", BrowseName: "B", NodeClass: "Object", Depth: 2, Error: "BadNodeIdUnknown"},
	}
	edges := []*Edge{
		{FromNodeID: "i=85", ToNodeID: "ns=2;s=A", ReferenceType: "i=35"},
		{FromNodeID: "ns=2;s=A", ToNodeID: "ns=2;s=B", ReferenceType: "i=47"},
		{FromNodeID: "ns=2;s=B", ToNodeID: "ns=2;s=A", ReferenceType: "i=47", CrossReference: true},
	}
	require.NoError(t, store.WriteSnapshot("run-1", nodes, edges))

	count, err := store.CountNodes("run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	b, err := store.GetNode("run-1", "ns=2;s=B")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "BadNodeIdUnknown", b.Error)
	assert.Equal(t, 2, b.Depth)

	loaded, err := store.LoadEdges("run-1")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.True(t, loaded[2].CrossReference)
	assert.Equal(t, 1, loaded[0].Weight)

	// A second flush of the same run accumulates edge weight.
	require.NoError(t, store.WriteSnapshot("run-1", nil, edges[:1]))
	loaded, err = store.LoadEdges("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded[0].Weight)
}

func TestWriteSnapshot_UnknownRun(t *testing.T) {
	store := openStore(t)

	err := store.WriteSnapshot("missing", []*Node{{NodeID: "i=85"}}, nil)
	assert.Error(t, err)

	count, err := store.CountNodes("missing")
	require.NoError(t, err)
	assert.Zero(t, count)
}
