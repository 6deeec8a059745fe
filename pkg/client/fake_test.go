package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/syncerr"
)

// fakeConn is an in-memory Conn.
type fakeConn struct {
	d *fakeDialer

	mu    sync.Mutex
	sent  []*protocol.Message
	inbox chan *protocol.Message

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Send(msg *protocol.Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Recv() (*protocol.Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.d.mu.Lock()
		c.d.open--
		c.d.mu.Unlock()
	})
	return nil
}

func (c *fakeConn) Transport() string { return "fake" }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) events() []protocol.EventName {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.EventName, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Event
	}
	return out
}

func (c *fakeConn) message(i int) *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i]
}

// fakeDialer hands out fakeConns and tracks how many are open at once.
type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	handshakes []protocol.Handshake
	dials      int
	open       int
	maxOpen    int

	// fail, when set, decides the error of each dial (1-based).
	fail func(n int) error
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, hs protocol.Handshake) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.handshakes = append(d.handshakes, hs)
	if d.fail != nil {
		if err := d.fail(d.dials); err != nil {
			return nil, err
		}
	}
	c := &fakeConn{d: d, inbox: make(chan *protocol.Message, 16), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	return c, nil
}

func (d *fakeDialer) setFail(fn func(n int) error) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) maxOpenConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

func transportErr() error {
	return syncerr.New(syncerr.KindTransport, "test").Wrap(errors.New("connection refused"))
}

func rejectedErr() error {
	return syncerr.New(syncerr.KindHandshakeRejected, "test").WithStatus(401)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
