package protocol

import "errors"

var (
	// ErrInvalidMessage is returned for envelopes that are not valid JSON
	// or carry no event name.
	ErrInvalidMessage = errors.New("protocol: invalid message")

	// ErrMessageTooLarge is returned for messages over MaxMessageSize.
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrMissingOrderID is returned for order events without an order id.
	ErrMissingOrderID = errors.New("protocol: missing orderId")

	// ErrMissingStatus is returned for order events without a status.
	ErrMissingStatus = errors.New("protocol: missing status")

	// ErrMissingCredentials is returned when a handshake lacks a token,
	// role or user id.
	ErrMissingCredentials = errors.New("protocol: missing handshake credentials")
)

// ErrorCode identifies a server-reported error.
type ErrorCode string

const (
	CodeInvalidMessage   ErrorCode = "invalid_message"
	CodeUnknownEvent     ErrorCode = "unknown_event"
	CodeIdentityMismatch ErrorCode = "identity_mismatch"
	CodeNotAnnounced     ErrorCode = "not_announced"
	CodeInvalidEvent     ErrorCode = "invalid_event"
)

// ErrorPayload is the data of an EventError message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
