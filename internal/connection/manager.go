// Package connection owns the lifecycle of one logical connection to an
// OPC UA endpoint: connect with retry, disconnect, and reconnection after
// the transport drops.
package connection

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/retry"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Manager drives a ua.Link through the connection state machine.
//
// A Manager connects to one endpoint at a time. The probe and the secured
// connect of a crawl use two Managers so each phase gets its own retry
// budget
type Manager struct {
	link   ua.Link
	policy retry.Policy
	sleep  func(ctx context.Context, d time.Duration) error
	log    *logrus.Entry

	mu       sync.Mutex
	state    State
	endpoint ua.Endpoint

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// Option configures a Manager
type Option func(*Manager)

// WithSleep replaces the backoff wait. Tests use it to observe delays
// without waiting
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithLogger sets the log entry used by the manager
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// New creates a disconnected manager
func New(link ua.Link, policy retry.Policy, opts ...Option) *Manager {
	m := &Manager{
		link:   link,
		policy: policy,
		sleep:  sleepContext,
		log:    logrus.WithField("component", "connection"),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers a listener. Listeners run synchronously, in
// registration order, on the goroutine that caused the event
func (m *Manager) OnEvent(fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint returns the endpoint of the last Connect
func (m *Manager) Endpoint() ua.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// =============================================================================
// Connect / Disconnect
// =============================================================================

// Connect opens the link, retrying per the policy. It is valid from
// Disconnected and Failed. Once connected, drops reported by the link
// trigger reconnection in the background until Disconnect
func (m *Manager) Connect(ctx context.Context, ep ua.Endpoint) error {
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateFailed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", crawlerrors.ErrInvalidTransition, state)
	}
	m.endpoint = ep
	m.mu.Unlock()

	m.log.Infof("Connecting to %s", ep)
	if err := m.dialLoop(ctx, ep, StateConnecting); err != nil {
		return err
	}

	m.startWatch()
	return nil
}

// Disconnect stops reconnection, releases the link and moves to
// Disconnected. Calling it again is a no-op
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	cancel, done := m.watchCancel, m.watchDone
	m.watchCancel, m.watchDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if m.State() == StateDisconnected {
		return
	}

	if err := m.link.Close(ctx); err != nil {
		m.log.Warnf("Closing link failed: %v", err)
	}
	if err := m.transition(StateDisconnected); err != nil {
		m.log.Debugf("Disconnect: %v", err)
	}
}

// dialLoop tries the link until it connects or the policy is exhausted.
// On a first connect every attempt re-enters Connecting; during
// reconnection the state stays Reconnecting
func (m *Manager) dialLoop(ctx context.Context, ep ua.Endpoint, phase State) error {
	for attempt := 1; ; attempt++ {
		if phase == StateConnecting {
			if err := m.transition(StateConnecting); err != nil {
				return err
			}
		}

		err := m.link.Dial(ctx, ep)
		if err == nil {
			if err := m.transition(StateConnected); err != nil {
				_ = m.link.Close(ctx)
				return err
			}
			m.log.Infof("Connected to %s", ep.URL)
			return nil
		}

		m.log.Warnf("Connection attempt #%d to %s failed: %v", attempt, ep.URL, err)

		if ctx.Err() != nil {
			m.fail()
			return crawlerrors.Wrap(crawlerrors.ErrConnection, "connect "+ep.URL, ctx.Err())
		}
		if !crawlerrors.IsRetriable(crawlerrors.Wrap(crawlerrors.ErrConnection, "dial", err)) {
			m.fail()
			return crawlerrors.Wrap(crawlerrors.ErrConnection, "connect "+ep.URL, err)
		}
		if m.policy.Exhausted(attempt) {
			m.fail()
			return crawlerrors.Wrap(crawlerrors.ErrConnection, "connect "+ep.URL,
				fmt.Errorf("%w after %d attempts: %w", crawlerrors.ErrRetriesExhausted, attempt, err))
		}

		delay := m.policy.NextDelay(attempt)
		m.emit(Event{Type: EventBackoff, Attempt: attempt, Delay: delay, Err: err})

		if err := m.sleep(ctx, delay); err != nil {
			m.fail()
			return crawlerrors.Wrap(crawlerrors.ErrConnection, "connect "+ep.URL, err)
		}
	}
}

func (m *Manager) fail() {
	if err := m.transition(StateFailed); err != nil {
		m.log.Debugf("fail: %v", err)
	}
}

// =============================================================================
// Drop detection
// =============================================================================

func (m *Manager) startWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.watchCancel = cancel
	m.watchDone = done
	m.mu.Unlock()

	go m.watch(ctx, done)
}

func (m *Manager) watch(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case dropErr := <-m.link.Drops():
			if err := m.transition(StateReconnecting); err != nil {
				m.log.Debugf("Ignoring drop while %s: %v", m.State(), dropErr)
				continue
			}

			m.log.Warnf("Connection lost: %v", dropErr)
			m.emit(Event{Type: EventStartReconnection, Err: dropErr})

			if err := m.link.Close(ctx); err != nil {
				m.log.Debugf("Closing dropped link: %v", err)
			}

			ep := m.Endpoint()
			if err := m.dialLoop(ctx, ep, StateReconnecting); err != nil {
				if ctx.Err() == nil {
					m.log.Errorf("Reconnection to %s failed: %v", ep.URL, err)
					m.emit(Event{Type: EventReconnectionFailed, Err: err})
				}
				return
			}
			m.emit(Event{Type: EventReestablished})
		}
	}
}

// =============================================================================
// State transitions
// =============================================================================

func (m *Manager) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !validTransitions[stateTransition{from: from, to: to}] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", crawlerrors.ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	m.emit(Event{Type: EventStateChanged, From: from, To: to})
	return nil
}

func (m *Manager) emit(ev Event) {
	m.listenersMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
