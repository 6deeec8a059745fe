package client

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/vango-dev/ordersync/pkg/protocol"
)

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

var (
	// ErrNotConnected is returned by Emit when there is no live connection.
	ErrNotConnected = errors.New("client: not connected")

	// ErrConnClosed is returned by Conn methods after Close.
	ErrConnClosed = errors.New("client: connection closed")

	// ErrManagerClosed is returned after Manager.Close.
	ErrManagerClosed = errors.New("client: manager closed")
)

// Conn is one established transport connection. Send and Recv may be
// called concurrently with each other; Close unblocks both.
type Conn interface {
	// Send writes one message.
	Send(msg *protocol.Message) error

	// Recv blocks for the next inbound message.
	Recv() (*protocol.Message, error)

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// Transport names the transport.
	Transport() string
}

// Dialer opens connections. Dial returns a *syncerr.Error of kind
// HandshakeRejected when the server refused the credentials and of kind
// Transport for every other failure.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, hs protocol.Handshake) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string, hs protocol.Handshake) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint string, hs protocol.Handshake) (Conn, error) {
	return f(ctx, endpoint, hs)
}

// endpointURL resolves path against the server base URL, switching the
// scheme to ws(s) for websocket dials and to http(s) otherwise.
func endpointURL(base, path string, websocket bool) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	switch {
	case websocket && u.Scheme == "http":
		u.Scheme = "ws"
	case websocket && u.Scheme == "https":
		u.Scheme = "wss"
	case !websocket && u.Scheme == "ws":
		u.Scheme = "http"
	case !websocket && u.Scheme == "wss":
		u.Scheme = "https"
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("client: endpoint needs a scheme and host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	return u, nil
}
