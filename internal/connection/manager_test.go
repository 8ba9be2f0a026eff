package connection

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/retry"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua/uatest"
)

const endpointURL = "opc.tcp://plc.local:4840"

// recorder captures events and sleeps.
type recorder struct {
	mu     sync.Mutex
	events []Event
	delays []time.Duration
	notify chan Event
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan Event, 64)}
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- ev
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) transitions() [][2]State {
	var out [][2]State
	for _, ev := range r.ofType(EventStateChanged) {
		out = append(out, [2]State{ev.From, ev.To})
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.notify:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func newManager(server *uatest.Server, policy retry.Policy) (*Manager, *recorder) {
	rec := newRecorder()
	m := New(server, policy, WithSleep(rec.sleep))
	m.OnEvent(rec.listen)
	return m, rec
}

func TestConnect_RetriesWithBackoff(t *testing.T) {
	server := uatest.NewServer()
	server.DialFailures = 2
	m, rec := newManager(server, retry.Policy{
		MaxAttempts:  10,
		InitialDelay: 2000 * time.Millisecond,
		MaxDelay:     10000 * time.Millisecond,
	})

	require.NoError(t, m.Connect(context.Background(), ua.Probe(endpointURL)))
	defer m.Disconnect(context.Background())

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, []time.Duration{2000 * time.Millisecond, 4000 * time.Millisecond}, rec.delays)
	assert.Equal(t, [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnecting},
		{StateConnecting, StateConnecting},
		{StateConnecting, StateConnected},
	}, rec.transitions())

	backoffs := rec.ofType(EventBackoff)
	require.Len(t, backoffs, 2)
	assert.Equal(t, 1, backoffs[0].Attempt)
	assert.Equal(t, 2*time.Second, backoffs[0].Delay)
	assert.Equal(t, 2, backoffs[1].Attempt)
	assert.Equal(t, 4*time.Second, backoffs[1].Delay)
	assert.Len(t, server.Dials, 3)
}

func TestConnect_Exhausted(t *testing.T) {
	server := uatest.NewServer()
	server.DialFailures = 100
	m, rec := newManager(server, retry.Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second})

	err := m.Connect(context.Background(), ua.Probe(endpointURL))
	require.Error(t, err)
	assert.ErrorIs(t, err, crawlerrors.ErrConnection)
	assert.ErrorIs(t, err, crawlerrors.ErrRetriesExhausted)
	assert.ErrorIs(t, err, uatest.ErrUnreachable)
	assert.Equal(t, StateFailed, m.State())
	assert.Len(t, server.Dials, 4)
	assert.Len(t, rec.ofType(EventBackoff), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)

	// Failed is terminal until a fresh Connect.
	server.DialFailures = 0
	require.NoError(t, m.Connect(context.Background(), ua.Probe(endpointURL)))
	assert.Equal(t, StateConnected, m.State())
	m.Disconnect(context.Background())
}

func TestConnect_NonRetriableDialError(t *testing.T) {
	server := uatest.NewServer()
	server.DialFailures = 5
	server.DialError = crawlerrors.Wrap(crawlerrors.ErrConfig, "select endpoint", io.EOF)
	m, rec := newManager(server, retry.DefaultPolicy())

	err := m.Connect(context.Background(), ua.Probe(endpointURL))
	assert.ErrorIs(t, err, crawlerrors.ErrConnection)
	assert.ErrorIs(t, err, crawlerrors.ErrConfig)
	assert.Equal(t, StateFailed, m.State())
	assert.Len(t, server.Dials, 1)
	assert.Empty(t, rec.ofType(EventBackoff))
	assert.Empty(t, rec.delays)
}

func TestOnEvent_ListenerRegisteredDuringEmit(t *testing.T) {
	server := uatest.NewServer()
	m := New(server, retry.DefaultPolicy(), WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))

	var late []Event
	var once sync.Once
	m.OnEvent(func(ev Event) {
		once.Do(func() {
			m.OnEvent(func(ev Event) { late = append(late, ev) })
		})
	})

	require.NoError(t, m.Connect(context.Background(), ua.Probe(endpointURL)))
	m.Disconnect(context.Background())

	// the late listener misses the event that registered it
	require.Len(t, late, 2)
	assert.Equal(t, [2]State{StateConnecting, StateConnected}, [2]State{late[0].From, late[0].To})
	assert.Equal(t, [2]State{StateConnected, StateDisconnected}, [2]State{late[1].From, late[1].To})
}

func TestConnect_WhileConnected(t *testing.T) {
	server := uatest.NewServer()
	m, _ := newManager(server, retry.DefaultPolicy())

	require.NoError(t, m.Connect(context.Background(), ua.Probe(endpointURL)))
	defer m.Disconnect(context.Background())

	err := m.Connect(context.Background(), ua.Probe(endpointURL))
	assert.ErrorIs(t, err, crawlerrors.ErrInvalidTransition)
}

func TestConnect_ContextCancelledDuringBackoff(t *testing.T) {
	server := uatest.NewServer()
	server.DialFailures = 5
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, _ := newManager(server, retry.DefaultPolicy())
	err := m.Connect(ctx, ua.Probe(endpointURL))

	assert.ErrorIs(t, err, crawlerrors.ErrConnection)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, m.State())
}

func TestDisconnect_Idempotent(t *testing.T) {
	server := uatest.NewServer()
	m, rec := newManager(server, retry.DefaultPolicy())

	m.Disconnect(context.Background())
	assert.Equal(t, 0, server.Closed)

	require.NoError(t, m.Connect(context.Background(), ua.Probe(endpointURL)))
	m.Disconnect(context.Background())
	m.Disconnect(context.Background())

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, server.Closed)
	assert.False(t, server.IsOpen())
	assert.Equal(t, [2]State{StateConnected, StateDisconnected}, rec.transitions()[len(rec.transitions())-1])
}

func TestDrop_Reconnects(t *testing.T) {
	server := uatest.NewServer()
	m, rec := newManager(server, retry.Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 4 * time.Second})

	ep := ua.Endpoint{URL: endpointURL, SecurityMode: ua.SecurityModeSign, SecurityPolicy: ua.SecurityPolicyBasic256}
	require.NoError(t, m.Connect(context.Background(), ep))
	defer m.Disconnect(context.Background())

	server.DialFailures = 1
	server.Drop(io.ErrUnexpectedEOF)

	start := rec.waitFor(t, EventStartReconnection)
	assert.ErrorIs(t, start.Err, io.ErrUnexpectedEOF)
	rec.waitFor(t, EventReestablished)

	assert.Equal(t, StateConnected, m.State())
	assert.Len(t, rec.ofType(EventBackoff), 1)

	// The redial targets the same endpoint.
	last := server.Dials[len(server.Dials)-1]
	assert.Equal(t, ep.URL, last.URL)
	assert.Equal(t, ua.SecurityModeSign, last.SecurityMode)

	assert.Equal(t, [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateReconnecting},
		{StateReconnecting, StateConnected},
	}, rec.transitions())
}

func TestDrop_ReconnectionExhausted(t *testing.T) {
	server := uatest.NewServer()
	m, rec := newManager(server, retry.Policy{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: time.Second})

	require.NoError(t, m.Connect(context.Background(), ua.Probe(endpointURL)))

	server.DialFailures = 10
	server.Drop(io.EOF)

	failed := rec.waitFor(t, EventReconnectionFailed)
	assert.ErrorIs(t, failed.Err, crawlerrors.ErrRetriesExhausted)
	assert.Equal(t, StateFailed, m.State())

	m.Disconnect(context.Background())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown(42)", State(42).String())
}
