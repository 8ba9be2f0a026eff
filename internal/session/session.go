// Package session creates and closes OPC UA sessions on an established
// connection and accounts for every request issued through them.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/sirupsen/logrus"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/connection"
	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Client is the part of the transport a session needs
type Client interface {
	ua.SessionService
	ua.Services
	ua.EventSubscriber
}

// Controller owns the sessions created on one connection
type Controller struct {
	client  Client
	timeout time.Duration
	log     *logrus.Entry

	transactions atomic.Int64

	sketchMu sync.Mutex
	sketch   *ddsketch.DDSketch

	mu      sync.Mutex
	current *Session
}

// NewController returns a controller requesting sessions with the given
// timeout (ua.InfiniteTimeout for the server maximum)
func NewController(client Client, timeout time.Duration) *Controller {
	c := &Controller{
		client:  client,
		timeout: timeout,
		log:     logrus.WithField("component", "session"),
	}
	// 1% relative accuracy
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		c.sketch = sketch
	}
	return c
}

// Create opens a session with identity, or an anonymous one when identity
// is nil. A rejected identity is reported as ErrAuthentication, any other
// failure as ErrSession
func (c *Controller) Create(ctx context.Context, identity *ua.Identity) (*Session, error) {
	id, err := c.client.CreateSession(ctx, ua.SessionRequest{Identity: identity, Timeout: c.timeout})
	if err != nil {
		if crawlerrors.Is(err, crawlerrors.ErrAuthentication) {
			return nil, crawlerrors.Wrap(crawlerrors.ErrAuthentication, "create session as "+identity.String(), err)
		}
		return nil, crawlerrors.Wrap(crawlerrors.ErrSession, "create session", err)
	}
	if id == "" {
		return nil, crawlerrors.Wrap(crawlerrors.ErrProtocol, "create session",
			crawlerrors.New("server returned an empty session id"))
	}

	s := &Session{ctrl: c, id: id, identity: identity}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	c.log.Infof("Session created: %s (%s)", id, identity)
	return s, nil
}

// Close closes s on the server. Failures are logged and swallowed; the
// connection underneath may already be gone. Closing twice is a no-op
func (c *Controller) Close(ctx context.Context, s *Session) {
	if s == nil || !s.markClosed() {
		return
	}

	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()

	if err := c.client.CloseSession(ctx); err != nil {
		c.log.Warnf("Closing session %s failed: %v", s.ID(), err)
		return
	}
	c.log.Infof("Session %s closed", s.ID())
}

// Follow re-creates the open session every time m re-establishes the
// connection. Counters carry over; the session id changes
func (c *Controller) Follow(m *connection.Manager) {
	m.OnEvent(func(ev connection.Event) {
		if ev.Type == connection.EventReestablished {
			c.reopen(context.Background())
		}
	})
}

func (c *Controller) reopen(ctx context.Context) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil || s.Closed() {
		return
	}

	id, err := c.client.CreateSession(ctx, ua.SessionRequest{Identity: s.identity, Timeout: c.timeout})
	if err != nil {
		c.log.Errorf("Re-creating session after reconnection failed: %v", err)
		return
	}
	old := s.setID(id)
	c.log.Infof("Session re-created: %s (was %s)", id, old)
}

// =============================================================================
// Accounting
// =============================================================================

// Counters is a point-in-time view of the request accounting
type Counters struct {
	BytesRead    int64
	BytesWritten int64
	Transactions int64
	LatencyP50   time.Duration
	LatencyP99   time.Duration
}

// Counters returns the live counters. It never waits for in-flight
// requests
func (c *Controller) Counters() Counters {
	out := Counters{Transactions: c.transactions.Load()}

	if tc, ok := c.client.(ua.TrafficCounter); ok {
		out.BytesRead = tc.BytesRead()
		out.BytesWritten = tc.BytesWritten()
	}

	c.sketchMu.Lock()
	if c.sketch != nil && !c.sketch.IsEmpty() {
		p50, _ := c.sketch.GetValueAtQuantile(0.50)
		p99, _ := c.sketch.GetValueAtQuantile(0.99)
		out.LatencyP50 = time.Duration(p50 * float64(time.Millisecond))
		out.LatencyP99 = time.Duration(p99 * float64(time.Millisecond))
	}
	c.sketchMu.Unlock()

	return out
}

// call runs one remote request and accounts for it whether or not it
// succeeded
func (c *Controller) call(fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	c.transactions.Add(1)

	c.sketchMu.Lock()
	if c.sketch != nil {
		_ = c.sketch.Add(float64(elapsed) / float64(time.Millisecond))
	}
	c.sketchMu.Unlock()

	return err
}

// =============================================================================
// Session
// =============================================================================

// Session is an open server session. Its methods are safe for concurrent
// use
type Session struct {
	ctrl     *Controller
	identity *ua.Identity

	mu     sync.RWMutex
	id     string
	closed bool
}

// ID returns the server-issued session identifier
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Identity returns the identity the session was created with (nil for
// anonymous)
func (s *Session) Identity() *ua.Identity { return s.identity }

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) setID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.id
	s.id = id
	return old
}

func (s *Session) check() error {
	if s.Closed() {
		return crawlerrors.ErrSessionClosed
	}
	return nil
}

// Browse returns the hierarchical references of nodeID
func (s *Session) Browse(ctx context.Context, nodeID ua.NodeID) ([]ua.Reference, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var refs []ua.Reference
	err := s.ctrl.call(func() error {
		var err error
		refs, err = s.ctrl.client.Browse(ctx, nodeID)
		return err
	})
	return refs, err
}

// Read reads all attributes in nodes with one request
func (s *Session) Read(ctx context.Context, nodes []ua.ReadValueID) ([]ua.DataValue, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var values []ua.DataValue
	err := s.ctrl.call(func() error {
		var err error
		values, err = s.ctrl.client.Read(ctx, nodes)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(values) != len(nodes) {
		return nil, crawlerrors.Wrap(crawlerrors.ErrProtocol, "read",
			fmt.Errorf("requested %d attributes, got %d results", len(nodes), len(values)))
	}
	return values, nil
}

// ReadVariableValue reads the Value attribute of a variable
func (s *Session) ReadVariableValue(ctx context.Context, nodeID ua.NodeID) (ua.Variant, error) {
	values, err := s.Read(ctx, []ua.ReadValueID{{NodeID: nodeID, AttributeID: ua.AttributeValue}})
	if err != nil {
		return ua.Variant{}, err
	}
	if values[0].Err != nil {
		return ua.Variant{}, fmt.Errorf("read value of %s: %w", nodeID, values[0].Err)
	}
	return values[0].Value, nil
}

// BrowseName reads the browse name of nodeID
func (s *Session) BrowseName(ctx context.Context, nodeID ua.NodeID) (string, error) {
	values, err := s.Read(ctx, []ua.ReadValueID{{NodeID: nodeID, AttributeID: ua.AttributeBrowseName}})
	if err != nil {
		return "", err
	}
	if values[0].Err != nil {
		return "", fmt.Errorf("read browse name of %s: %w", nodeID, values[0].Err)
	}
	if name, ok := values[0].Value.Value.(string); ok {
		return name, nil
	}
	return fmt.Sprint(values[0].Value.Value), nil
}

// SubscribeEvents subscribes to events emitted by nodeID, selecting fields
func (s *Session) SubscribeEvents(ctx context.Context, nodeID ua.NodeID, fields []string, fn func(ua.EventFields)) (ua.Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var sub ua.Subscription
	err := s.ctrl.call(func() error {
		var err error
		sub, err = s.ctrl.client.SubscribeEvents(ctx, nodeID, fields, fn)
		return err
	})
	return sub, err
}
