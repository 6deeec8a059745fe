package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// errPollIdle closes polling peers that stopped polling.
var errPollIdle = errors.New("server: poll session idle")

// pollSession is the server half of a long-polling connection.
type pollSession struct {
	peer     *Peer
	lastSeen atomic.Int64
	waiting  atomic.Bool

	// recv admits one outstanding poll request at a time.
	recv sync.Mutex
}

func (ps *pollSession) touch(now time.Time) {
	ps.lastSeen.Store(now.UnixNano())
}

func (ps *pollSession) idle(now time.Time, timeout time.Duration) bool {
	if ps.waiting.Load() {
		return false
	}
	return now.Sub(time.Unix(0, ps.lastSeen.Load())) > timeout
}

type openResponse struct {
	SID string `json:"sid"`
}

// HandlePollOpen opens a long-polling connection for an authenticated
// request and answers with its session id. It must run behind
// auth.Handshake.
func (s *Server) HandlePollOpen(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	p, err := s.register(principal, TransportPolling, s.clientIP(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	ps := &pollSession{peer: p}
	ps.touch(s.now())

	s.mu.Lock()
	s.polls[p.ID()] = ps
	s.mu.Unlock()

	go func() {
		<-p.Done()
		s.release(p)
	}()

	writeJSON(w, http.StatusOK, openResponse{SID: p.ID()})
}

// HandlePoll waits up to PollWait for queued messages and returns them as
// a batch. It answers 204 when nothing arrived and 410 once the
// connection has been closed.
func (s *Server) HandlePoll(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.lookupPoll(w, r)
	if !ok {
		return
	}
	if !ps.recv.TryLock() {
		http.Error(w, "poll already in progress", http.StatusConflict)
		return
	}
	defer ps.recv.Unlock()

	ps.waiting.Store(true)
	defer func() {
		ps.touch(s.now())
		ps.waiting.Store(false)
	}()

	p := ps.peer
	timer := time.NewTimer(s.config.PollWait)
	defer timer.Stop()

	select {
	case msg := <-p.send:
		batch := p.drain(msg, protocol.MaxBatchSize/2)
		data, err := protocol.EncodeBatch(batch)
		if err != nil {
			p.logger.Error("encode batch error", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			// The batch is lost with the request; delivery is at most once.
			p.Close(peerError(p.ID(), "poll", err))
			return
		}
		for _, msg := range batch {
			s.metrics.RecordEventEmitted(string(msg.Event), telemetry.ResultSent)
		}

	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)

	case <-p.Done():
		http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)

	case <-r.Context().Done():
	}
}

// HandlePollSend accepts a batch of client messages.
func (s *Server) HandlePollSend(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.lookupPoll(w, r)
	if !ok {
		return
	}
	ps.touch(s.now())

	data, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxBatchSize+1))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	msgs, err := protocol.DecodeBatch(data)
	if err != nil {
		s.metrics.RecordProtocolError(string(protocol.CodeInvalidMessage))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	for _, msg := range msgs {
		s.handleMessage(ctx, ps.peer, msg)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePollClose closes a long-polling connection.
func (s *Server) HandlePollClose(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.lookupPoll(w, r)
	if !ok {
		return
	}
	ps.peer.Close(nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupPoll(w http.ResponseWriter, r *http.Request) (*pollSession, bool) {
	sid := chi.URLParam(r, "sid")
	s.mu.Lock()
	ps := s.polls[sid]
	s.mu.Unlock()

	if ps == nil {
		http.Error(w, ErrPollSessionNotFound.Error(), http.StatusNotFound)
		return nil, false
	}
	select {
	case <-ps.peer.Done():
		http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
		return nil, false
	default:
	}
	return ps, true
}

// reapLoop closes polling connections whose client stopped polling.
func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reapIdle(s.now())
		case <-s.done:
			return
		}
	}
}

func (s *Server) reapIdle(now time.Time) int {
	s.mu.Lock()
	var idle []*pollSession
	for _, ps := range s.polls {
		if ps.idle(now, s.config.PollIdleTimeout) {
			idle = append(idle, ps)
		}
	}
	s.mu.Unlock()

	for _, ps := range idle {
		ps.peer.logger.Info("poll session idle, closing")
		ps.peer.Close(errPollIdle)
	}
	return len(idle)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
