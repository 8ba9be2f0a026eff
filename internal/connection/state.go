package connection

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Manager
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the human-readable name of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions. Connecting to
// Connecting is the retry of a first connect; Failed is only left by an
// explicit Connect or Disconnect
var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,

	{StateConnecting, StateConnecting}:   true,
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateFailed}:       true,
	{StateConnecting, StateDisconnected}: true,

	{StateConnected, StateReconnecting}: true,
	{StateConnected, StateDisconnected}: true,

	{StateReconnecting, StateConnected}:    true,
	{StateReconnecting, StateFailed}:       true,
	{StateReconnecting, StateDisconnected}: true,

	{StateFailed, StateConnecting}:   true,
	{StateFailed, StateDisconnected}: true,
}

// EventType names a lifecycle notification
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventBackoff            EventType = "backoff"
	EventStartReconnection  EventType = "start_reconnection"
	EventReestablished      EventType = "connection_reestablished"
	EventReconnectionFailed EventType = "reconnection_failed"
)

// Event is delivered to listeners registered with OnEvent
type Event struct {
	Type    EventType
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}
