package client

import (
	"context"
	"errors"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/syncerr"
)

// FallbackDialer tries each dialer in order and returns the first
// connection. A rejected handshake is returned immediately: the next
// transport would present the same credentials.
type FallbackDialer []Dialer

// NewFallbackDialer returns the default transport chain: websocket, then
// long-polling.
func NewFallbackDialer() FallbackDialer {
	return FallbackDialer{&WebSocketDialer{}, &PollingDialer{}}
}

// Dial implements Dialer.
func (f FallbackDialer) Dial(ctx context.Context, endpoint string, hs protocol.Handshake) (Conn, error) {
	if len(f) == 0 {
		return nil, syncerr.New(syncerr.KindTransport, "client.FallbackDialer.Dial").
			Wrap(errors.New("no dialers configured"))
	}
	var errs []error
	for _, d := range f {
		conn, err := d.Dial(ctx, endpoint, hs)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, syncerr.ErrHandshakeRejected) || ctx.Err() != nil {
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, syncerr.New(syncerr.KindTransport, "client.FallbackDialer.Dial").Wrap(errors.Join(errs...))
}
