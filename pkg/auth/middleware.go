package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vango-dev/ordersync/pkg/protocol"
)

// RejectFunc observes rejected handshakes (metrics hook).
type RejectFunc func(r *http.Request, status int, err error)

// HandshakeOption configures Handshake.
type HandshakeOption func(*handshakeConfig)

type handshakeConfig struct {
	logger   *slog.Logger
	onReject RejectFunc
}

// WithLogger sets the logger for rejected handshakes.
func WithLogger(logger *slog.Logger) HandshakeOption {
	return func(c *handshakeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRejectHook sets a callback for rejected handshakes.
func WithRejectHook(fn RejectFunc) HandshakeOption {
	return func(c *handshakeConfig) {
		c.onReject = fn
	}
}

// Handshake returns middleware that verifies realtime handshake
// credentials before the wrapped handler runs.
func Handshake(v Verifier, opts ...HandshakeOption) func(http.Handler) http.Handler {
	cfg := handshakeConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With("component", "handshake")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := Authenticate(r, v)
			if err != nil {
				status, ok := StatusCode(err)
				if !ok {
					status = http.StatusBadGateway
				}
				logger.Info("handshake rejected",
					"remote_addr", r.RemoteAddr,
					"status", status,
					"error", err)
				if cfg.onReject != nil {
					cfg.onReject(r, status, err)
				}
				http.Error(w, http.StatusText(status), status)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Authenticate parses and verifies the handshake credentials of r.
func Authenticate(r *http.Request, v Verifier) (Principal, error) {
	hs, err := protocol.ParseHandshake(r)
	if err != nil {
		if hs.Token == "" {
			return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		// A token without role or user id cannot be bound to rooms.
		return Principal{}, fmt.Errorf("%w: %v", ErrForbidden, err)
	}

	p, err := v.Verify(r.Context(), hs.Token)
	if err != nil {
		return Principal{}, err
	}
	if p.UserID != hs.UserID {
		return Principal{}, fmt.Errorf("%w: user id %q does not match token", ErrForbidden, hs.UserID)
	}
	if p.Role.String() != hs.Role {
		return Principal{}, fmt.Errorf("%w: role %q does not match token", ErrForbidden, hs.Role)
	}
	return p, nil
}

// errNoVerifier guards against a nil verifier in server wiring.
var errNoVerifier = errors.New("auth: no verifier configured")

// Deny is a Verifier that rejects everything. It is used when the server
// is started without any verification configured.
var Deny = VerifierFunc(func(_ context.Context, _ string) (Principal, error) {
	return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, errNoVerifier)
})
