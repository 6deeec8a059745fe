package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/syncerr"
)

// PollingDialer speaks the server's HTTP long-polling transport:
//
//	POST   /socket/poll        open, answers {"sid": "..."}
//	GET    /socket/poll/{sid}  wait for a batch of messages
//	POST   /socket/poll/{sid}  send a batch of messages
//	DELETE /socket/poll/{sid}  close
type PollingDialer struct {
	// HTTPClient is used for every request. Nil uses http.DefaultClient.
	// Its Timeout must exceed the server's poll wait.
	HTTPClient *http.Client

	// RequestTimeout bounds the open, send and close requests.
	// Default: 10 seconds.
	RequestTimeout time.Duration
}

type openResponse struct {
	SID string `json:"sid"`
}

// Dial implements Dialer.
func (d *PollingDialer) Dial(ctx context.Context, endpoint string, hs protocol.Handshake) (Conn, error) {
	const op = "client.PollingDialer.Dial"

	u, err := endpointURL(endpoint, protocol.PathPoll, false)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransport, op).Wrap(err)
	}
	base := u.String()
	u = hs.Apply(u)

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransport, op).Wrap(err)
	}
	for k, v := range hs.Header() {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransport, op).Wrap(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, syncerr.New(syncerr.KindHandshakeRejected, op).WithStatus(resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, syncerr.New(syncerr.KindTransport, op).WithStatus(resp.StatusCode).
			Wrap(fmt.Errorf("open returned %d", resp.StatusCode))
	}

	var open openResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, protocol.MaxMessageSize)).Decode(&open); err != nil || open.SID == "" {
		return nil, syncerr.New(syncerr.KindTransport, op).Wrap(fmt.Errorf("invalid open response: %v", err))
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	return &pollConn{
		client:  client,
		url:     base + "/" + open.SID,
		sid:     open.SID,
		timeout: timeout,
		ctx:     connCtx,
		cancel:  connCancel,
	}, nil
}

type pollConn struct {
	client  *http.Client
	url     string
	sid     string
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// pending holds the unread tail of the last batch. Only Recv touches it.
	pending []*protocol.Message

	closeOnce sync.Once
}

func (c *pollConn) Send(msg *protocol.Message) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	body, err := protocol.EncodeBatch([]*protocol.Message{msg})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("client: poll send returned %d", resp.StatusCode)
	}
	return nil
}

func (c *pollConn) Recv() (*protocol.Message, error) {
	for len(c.pending) == 0 {
		batch, err := c.poll()
		if err != nil {
			return nil, err
		}
		c.pending = batch
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, nil
}

// poll performs one long-poll request. An empty batch means the server's
// wait elapsed with nothing to deliver.
func (c *pollConn) poll() ([]*protocol.Message, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, ErrConnClosed
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, io.EOF
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("client: poll returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxBatchSize+1))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeBatch(data)
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
		if err != nil {
			return
		}
		if resp, err := c.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

func (c *pollConn) Transport() string {
	return TransportPolling
}
