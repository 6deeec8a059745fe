package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindSessionExpired
	KindTransport
	KindMutationFailed
	KindRequestFailed
	KindHandshakeRejected
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindSessionExpired:
		return "session_expired"
	case KindTransport:
		return "transport"
	case KindMutationFailed:
		return "mutation_failed"
	case KindRequestFailed:
		return "request_failed"
	case KindHandshakeRejected:
		return "handshake_rejected"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrSessionExpired    = &Error{Kind: KindSessionExpired}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrMutationFailed    = &Error{Kind: KindMutationFailed}
	ErrRequestFailed     = &Error{Kind: KindRequestFailed}
	ErrHandshakeRejected = &Error{Kind: KindHandshakeRejected}
)

// Error is a classified ordersync error.
type Error struct {
	// Kind drives propagation.
	Kind Kind

	// Code is the stable identifier (e.g. "OS004").
	Code string

	// Op names the failing operation (e.g. "api.UpdateOrderStatus").
	Op string

	// Status is the HTTP status when the error came from an HTTP exchange.
	Status int

	// Message is the user-facing message. For MutationFailed it is the
	// server-provided message when one was returned.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	prefix := "ordersync"
	if e.Op != "" {
		prefix += ": " + e.Op
	}
	if e.Code != "" {
		prefix += " [" + e.Code + "]"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind with the registered code and
// default message.
func New(kind Kind, op string) *Error {
	t := templateFor(kind)
	return &Error{
		Kind:    kind,
		Code:    t.Code,
		Op:      op,
		Message: t.Message,
	}
}

// WithStatus sets the HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithMessage replaces the message. Empty messages are ignored so the
// registered default survives.
func (e *Error) WithMessage(msg string) *Error {
	if msg != "" {
		e.Message = msg
	}
	return e
}

// Wrap sets the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsSessionExpired reports whether err is a SessionExpired error.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// UserMessage returns the message to show an end user for err.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return templateFor(KindUnknown).Message
	}
	if e.Message != "" {
		return e.Message
	}
	return templateFor(e.Kind).Message
}
