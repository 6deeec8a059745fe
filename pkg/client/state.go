package client

import "fmt"

// State is the connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// States lists every state in declaration order.
var States = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

// String returns the state name.
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
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	return names
}

// Status is a snapshot of the manager.
type Status struct {
	State State

	// ConnectionID identifies the connection generation. It is stable
	// across transport reconnects of the same session.
	ConnectionID string

	UserID string
	Role   string

	// Transport is the transport of the live connection ("websocket" or
	// "polling"), empty while not connected.
	Transport string

	// Failures counts consecutive failed connects.
	Failures int

	// Degraded is set after Config.DegradedAfter consecutive failures.
	Degraded bool

	// Stopped is set when retries were exhausted.
	Stopped bool

	// Terminal is set after logout until the next session.
	Terminal bool
}
