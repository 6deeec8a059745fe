package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for server and connection conditions.
var (
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("server: invalid config")

	// ErrInvalidPolicy is returned for malformed fan-out policies.
	ErrInvalidPolicy = errors.New("server: invalid policy")

	// ErrPeerClosed is returned when an operation targets a closed peer.
	ErrPeerClosed = errors.New("server: peer closed")

	// ErrQueueFull is recorded when a slow peer is disconnected.
	ErrQueueFull = errors.New("server: send queue full")

	// ErrPollSessionNotFound is returned for unknown or expired poll ids.
	ErrPollSessionNotFound = errors.New("server: poll session not found")

	// ErrServerClosed is returned once Shutdown has been called.
	ErrServerClosed = errors.New("server: closed")
)

// PeerError wraps an error with connection context for debugging.
type PeerError struct {
	PeerID string
	Op     string // Operation that failed
	Err    error  // Underlying error
}

// Error returns the error message with peer context.
func (e *PeerError) Error() string {
	if e.PeerID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: peer %s: %s: %v", e.PeerID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *PeerError) Unwrap() error {
	return e.Err
}

func peerError(peerID, op string, err error) *PeerError {
	return &PeerError{PeerID: peerID, Op: op, Err: err}
}
