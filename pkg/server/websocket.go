package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// HandleWebSocket upgrades an authenticated request and serves the peer.
// It must run behind auth.Handshake.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	p, err := s.register(principal, TransportWebSocket, s.clientIP(r))
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.config.WriteTimeout))
		conn.Close()
		return
	}

	go s.writeLoop(p, conn)
	go s.readLoop(p, conn)
}

// readLoop reads frames until the connection fails or the peer is closed.
// A missed heartbeat surfaces as a read deadline error.
func (s *Server) readLoop(p *Peer, conn *websocket.Conn) {
	defer s.release(p)

	conn.SetReadLimit(s.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	ctx := context.Background()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				p.logger.Info("read error", "error", err)
			}
			p.Close(peerError(p.ID(), "read", err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleRaw(ctx, p, data)
	}
}

// writeLoop drains the peer's queue and sends heartbeats.
func (s *Server) writeLoop(p *Peer, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-p.send:
			data, err := msg.Encode()
			if err != nil {
				p.logger.Error("encode error", "event", msg.Event, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.Close(peerError(p.ID(), "write", err))
				return
			}
			s.metrics.RecordEventEmitted(string(msg.Event), telemetry.ResultSent)

		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.Close(peerError(p.ID(), "ping", err))
				return
			}

		case <-p.done:
			code, text := websocket.CloseNormalClosure, ""
			if err := p.Err(); err != nil && err != ErrPeerClosed {
				code, text = websocket.CloseGoingAway, closeText(err)
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(s.config.WriteTimeout))
			return
		}
	}
}

// closeText trims err to fit a close frame.
func closeText(err error) string {
	const maxCloseText = 120
	text := err.Error()
	if len(text) > maxCloseText {
		text = text[:maxCloseText]
	}
	return text
}
