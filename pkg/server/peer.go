package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/protocol"
)

// Transport names used in logs and metrics.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Peer is one authenticated realtime connection. Outbound messages are
// queued and drained by the transport's writer; inbound messages are
// handled on the transport's reader goroutine.
type Peer struct {
	id          string
	principal   auth.Principal
	transport   string
	remoteIP    string
	connectedAt time.Time
	logger      *slog.Logger

	send chan *protocol.Message
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closeErr  error
}

func newPeer(id string, principal auth.Principal, transport, remoteIP string, queue int, logger *slog.Logger) *Peer {
	return &Peer{
		id:          id,
		principal:   principal,
		transport:   transport,
		remoteIP:    remoteIP,
		connectedAt: time.Now(),
		logger: logger.With(
			"peer", id,
			"user_id", principal.UserID,
			"role", principal.Role.String(),
			"transport", transport),
		send: make(chan *protocol.Message, queue),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (p *Peer) ID() string { return p.id }

// Principal returns the identity verified at the handshake.
func (p *Peer) Principal() auth.Principal { return p.principal }

// Transport returns the transport name.
func (p *Peer) Transport() string { return p.transport }

// RemoteIP returns the client address, honouring trusted proxies.
func (p *Peer) RemoteIP() string { return p.remoteIP }

// Done is closed when the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns why the peer was closed, or nil while it is open.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// enqueue queues msg without blocking. It returns ErrPeerClosed when the
// peer is closed and ErrQueueFull when its queue is full.
func (p *Peer) enqueue(msg *protocol.Message) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// sendError queues an error message for the peer.
func (p *Peer) sendError(code protocol.ErrorCode, message string) {
	msg, err := protocol.NewMessage(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := p.enqueue(msg); err != nil {
		p.logger.Debug("error message dropped", "code", code, "error", err)
	}
}

// Close closes the peer with reason. Only the first reason is kept. Close
// never blocks; transport goroutines observe Done and release resources.
func (p *Peer) Close(reason error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		if reason == nil {
			reason = ErrPeerClosed
		}
		p.closeErr = reason
		p.mu.Unlock()
		close(p.done)
	})
}

// drain returns queued messages without blocking, stopping before the
// encoded total would exceed limit bytes. At least one message is
// returned when any is queued.
func (p *Peer) drain(first *protocol.Message, limit int) []*protocol.Message {
	// envelopeOverhead covers the JSON keys and separators around a message.
	const envelopeOverhead = 32
	batch := []*protocol.Message{first}
	size := len(first.Data) + len(first.Event) + envelopeOverhead
	for size < limit {
		select {
		case msg := <-p.send:
			batch = append(batch, msg)
			size += len(msg.Data) + len(msg.Event) + envelopeOverhead
		default:
			return batch
		}
	}
	return batch
}
