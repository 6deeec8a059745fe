package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/syncerr"
)

// DefaultReadTimeout is three of the server's default 30 second heartbeat
// intervals, so a silent peer is noticed after a few missed pings.
const DefaultReadTimeout = 90 * time.Second

// WebSocketDialer dials the server's websocket endpoint.
type WebSocketDialer struct {
	// Dialer is the underlying gorilla dialer. Nil uses a copy of
	// websocket.DefaultDialer with HandshakeTimeout.
	Dialer *websocket.Dialer

	// HandshakeTimeout bounds the upgrade.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadTimeout closes the connection when nothing (not even a server
	// ping) arrives for this long. A negative value disables the deadline.
	// Default: DefaultReadTimeout.
	ReadTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, hs protocol.Handshake) (Conn, error) {
	const op = "client.WebSocketDialer.Dial"

	u, err := endpointURL(endpoint, protocol.PathSocket, true)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransport, op).Wrap(err)
	}
	u = hs.Apply(u)

	dialer := d.Dialer
	if dialer == nil {
		dd := *websocket.DefaultDialer
		dd.HandshakeTimeout = d.HandshakeTimeout
		if dd.HandshakeTimeout <= 0 {
			dd.HandshakeTimeout = 10 * time.Second
		}
		dialer = &dd
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), hs.Header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, dialError(op, resp, err)
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	rt := d.ReadTimeout
	switch {
	case rt == 0:
		rt = DefaultReadTimeout
	case rt < 0:
		rt = 0
	}
	if rt > 0 {
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(rt))
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout, readTimeout: rt}, nil
}

// dialError classifies a failed websocket dial.
func dialError(op string, resp *http.Response, err error) error {
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return syncerr.New(syncerr.KindHandshakeRejected, op).WithStatus(resp.StatusCode).Wrap(err)
		}
		return syncerr.New(syncerr.KindTransport, op).WithStatus(resp.StatusCode).Wrap(err)
	}
	return syncerr.New(syncerr.KindTransport, op).Wrap(err)
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Recv() (*protocol.Message, error) {
	for {
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return protocol.Decode(data)
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) Transport() string {
	return TransportWebSocket
}
