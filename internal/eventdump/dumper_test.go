package eventdump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// gatedResolver blocks every lookup of a gated id until release is closed.
type gatedResolver struct {
	names   map[ua.NodeID]string
	gated   ua.NodeID
	entered chan struct{}
	release chan struct{}
}

func (r *gatedResolver) BrowseName(ctx context.Context, id ua.NodeID) (string, error) {
	if id == r.gated {
		close(r.entered)
		<-r.release
	}
	name, ok := r.names[id]
	if !ok {
		return "", errors.New("BadNodeIdUnknown")
	}
	return name, nil
}

// writeLog records every Write as one entry.
type writeLog struct {
	mu     sync.Mutex
	writes []string
}

func (w *writeLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, string(p))
	return len(p), nil
}

func (w *writeLog) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func startDumper(t *testing.T, r Renderer, onDumped func()) *Dumper {
	t.Helper()
	d := NewDumper(r, onDumped)
	go d.Run(context.Background())
	return d
}

func TestDumper_SuspendedRenderFinishesFirst(t *testing.T) {
	resolver := &gatedResolver{
		names:   map[ua.NodeID]string{"ns=2;s=Pump": "Pump", "ns=2;s=Valve": "Valve"},
		gated:   "ns=2;s=Pump",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	out := &writeLog{}
	d := startDumper(t, NewConsoleRenderer(out), nil)

	t1 := DumpTask{
		Resolver:   resolver,
		FieldNames: []string{"SourceNode", "Message"},
		Values: ua.EventFields{
			{Type: ua.TypeNodeID, Value: ua.NodeID("ns=2;s=Pump")},
			{Type: ua.TypeString, Value: "first"},
		},
	}
	t2 := DumpTask{
		Resolver:   resolver,
		FieldNames: []string{"SourceNode", "Message"},
		Values: ua.EventFields{
			{Type: ua.TypeNodeID, Value: ua.NodeID("ns=2;s=Valve")},
			{Type: ua.TypeString, Value: "second"},
		},
	}

	require.NoError(t, d.Enqueue(t1))
	<-resolver.entered
	require.NoError(t, d.Enqueue(t2))

	// T2 must not start while T1 is suspended.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, out.all())
	assert.Equal(t, 1, d.Pending())

	close(resolver.release)
	d.Close()

	writes := out.all()
	require.Len(t, writes, 2)
	assert.Contains(t, writes[0], "first")
	assert.Contains(t, writes[0], "Pump")
	assert.NotContains(t, writes[0], "second")
	assert.Contains(t, writes[1], "second")
	assert.Contains(t, writes[1], "Valve")
}

// exclusiveRenderer fails the test if two renders overlap.
type exclusiveRenderer struct {
	t        *testing.T
	inFlight atomic.Int32
	mu       sync.Mutex
	order    []int
}

func (r *exclusiveRenderer) Render(ctx context.Context, task DumpTask) error {
	if r.inFlight.Add(1) != 1 {
		r.t.Error("two renders in flight")
	}
	defer r.inFlight.Add(-1)

	time.Sleep(time.Microsecond)
	r.mu.Lock()
	r.order = append(r.order, task.Values[0].Value.(int))
	r.mu.Unlock()
	return nil
}

func TestDumper_SerializesConcurrentProducers(t *testing.T) {
	r := &exclusiveRenderer{t: t}
	var dumped atomic.Int32
	d := startDumper(t, r, func() { dumped.Add(1) })

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = d.Enqueue(DumpTask{Values: ua.EventFields{{Type: ua.TypeInt32, Value: p*perProducer + i}}})
			}
		}(p)
	}
	wg.Wait()
	d.Close()

	assert.Equal(t, int32(producers*perProducer), dumped.Load())
	assert.Len(t, r.order, producers*perProducer)

	// per-producer arrival order is preserved
	last := make(map[int]int)
	for _, v := range r.order {
		p := v / perProducer
		if prev, ok := last[p]; ok {
			assert.Greater(t, v, prev)
		}
		last[p] = v
	}
}

func TestDumper_CloseDrainsAndStopsIntake(t *testing.T) {
	var buf bytes.Buffer
	d := NewDumper(NewConsoleRenderer(&buf), nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Enqueue(DumpTask{
			FieldNames: []string{"Severity"},
			Values:     ua.EventFields{{Type: ua.TypeUInt16, Value: uint16(100 + i)}},
		}))
	}

	go d.Run(context.Background())
	d.Close()
	d.Close()

	assert.Equal(t, 10, strings.Count(buf.String(), separator))
	assert.Contains(t, buf.String(), "109")
	assert.ErrorIs(t, d.Enqueue(DumpTask{}), crawlerrors.ErrQueueStopped)
}

type failingRenderer struct{ calls int }

func (r *failingRenderer) Render(ctx context.Context, task DumpTask) error {
	r.calls++
	return fmt.Errorf("render %d failed", r.calls)
}

func TestDumper_RenderErrorDoesNotStopConsumer(t *testing.T) {
	r := &failingRenderer{}
	d := startDumper(t, r, nil)
	require.NoError(t, d.Enqueue(DumpTask{}))
	require.NoError(t, d.Enqueue(DumpTask{}))
	d.Close()
	assert.Equal(t, 2, r.calls)
}
