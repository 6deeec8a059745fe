package server

import (
	"context"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
)

// handleRaw decodes one inbound frame and handles it.
func (s *Server) handleRaw(ctx context.Context, p *Peer, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.protocolError(p, protocol.CodeInvalidMessage, err.Error())
		return
	}
	s.handleMessage(ctx, p, msg)
}

// handleMessage applies one inbound message from p.
func (s *Server) handleMessage(ctx context.Context, p *Peer, msg *protocol.Message) {
	// Unknown names share one label so clients cannot grow the series set.
	label := "unknown"
	if msg.Event.Known() {
		label = string(msg.Event)
	}
	s.metrics.RecordEventReceived(label)

	if msg.Event.Announcement() {
		s.handleAnnouncement(p, msg)
		return
	}

	switch msg.Event {
	case protocol.EventUserDisconnected:
		var in protocol.UserDisconnected
		if err := msg.Bind(&in); err != nil {
			s.protocolError(p, protocol.CodeInvalidMessage, err.Error())
			return
		}
		if in.UserID != p.Principal().UserID {
			s.protocolError(p, protocol.CodeIdentityMismatch, "userId does not match the connection")
			return
		}
		s.router.Leave(p)
		p.logger.Info("user disconnected")

	case protocol.EventOrderStatusUpdate:
		s.publishOrderStatus(ctx, p, msg)

	default:
		s.protocolError(p, protocol.CodeUnknownEvent, "unknown event "+string(msg.Event))
	}
}

// handleAnnouncement binds one of the identity announcements and joins p
// to its rooms.
func (s *Server) handleAnnouncement(p *Peer, msg *protocol.Message) {
	switch msg.Event {
	case protocol.EventSetRole:
		var in protocol.SetRole
		if err := msg.Bind(&in); err != nil {
			s.protocolError(p, protocol.CodeInvalidMessage, err.Error())
			return
		}
		s.announce(p, msg.Event, p.Principal().UserID, in.Role)

	case protocol.EventUserConnected:
		var in protocol.UserConnected
		if err := msg.Bind(&in); err != nil {
			s.protocolError(p, protocol.CodeInvalidMessage, err.Error())
			return
		}
		s.announce(p, msg.Event, in.UserID, in.Role)

	case protocol.EventUserReconnected:
		var in protocol.UserReconnected
		if err := msg.Bind(&in); err != nil {
			s.protocolError(p, protocol.CodeInvalidMessage, err.Error())
			return
		}
		s.announce(p, msg.Event, in.UserID, p.Principal().Role.String())
	}
}

// announce joins p to its rooms when the announced identity matches the
// handshake.
func (s *Server) announce(p *Peer, event protocol.EventName, userID, role string) {
	principal := p.Principal()
	if userID != principal.UserID || role != principal.Role.String() {
		p.logger.Warn("announcement does not match handshake",
			"event", event,
			"announced_user_id", userID,
			"announced_role", role)
		s.protocolError(p, protocol.CodeIdentityMismatch, "announced identity does not match the connection")
		return
	}

	if replaced := s.router.Join(p, session.Role(role), userID); replaced != nil {
		replaced.logger.Info("superseded by newer connection", "peer", p.ID())
	}
	p.logger.Debug("joined", "event", event)
}

func (s *Server) publishOrderStatus(ctx context.Context, p *Peer, msg *protocol.Message) {
	if !s.router.Joined(p) {
		s.protocolError(p, protocol.CodeNotAnnounced, "announce before emitting events")
		return
	}

	var ev protocol.OrderStatusEvent
	if err := msg.Bind(&ev); err != nil {
		s.protocolError(p, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if err := ev.Validate(); err != nil {
		s.protocolError(p, protocol.CodeInvalidEvent, err.Error())
		return
	}

	ev.EmittedBy = p.Principal().UserID
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = s.now()
	}
	out, err := protocol.NewMessage(protocol.EventOrderStatusUpdate, ev)
	if err != nil {
		s.protocolError(p, protocol.CodeInvalidMessage, err.Error())
		return
	}

	n := s.router.Publish(ctx, p, out)
	p.logger.Debug("order status fanned out",
		"order_id", ev.OrderID,
		"status", ev.Status,
		"recipients", n)
}

func (s *Server) protocolError(p *Peer, code protocol.ErrorCode, message string) {
	s.metrics.RecordProtocolError(string(code))
	p.sendError(code, message)
}
