package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// Server accepts realtime connections and relays events between them
// through a Router.
type Server struct {
	config   *Config
	verifier auth.Verifier
	router   *Router
	upgrader websocket.Upgrader
	proxies  *proxyMatcher
	handler  http.Handler

	logger   *slog.Logger
	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer
	now      func() time.Time

	mu     sync.Mutex
	peers  map[string]*Peer
	polls  map[string]*pollSession
	closed bool
	done   chan struct{}

	httpServer *http.Server
}

// New creates a server. Zero config fields take their defaults; a nil
// verifier rejects every handshake.
func New(config *Config, verifier auth.Verifier, opts ...Option) *Server {
	config = config.withDefaults()
	o := buildOptions(opts)
	if verifier == nil {
		verifier = auth.Deny
	}

	logger := o.logger.With("component", "server")
	s := &Server{
		config:   config,
		verifier: verifier,
		router:   NewRouter(config.Policy, opts...),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      config.CheckOrigin,
		},
		proxies:  newProxyMatcher(config.TrustedProxies, logger),
		logger:   logger,
		metrics:  o.metrics,
		gatherer: o.gatherer,
		now:      time.Now,
		peers:    make(map[string]*Peer),
		polls:    make(map[string]*pollSession),
		done:     make(chan struct{}),
	}
	s.handler = s.routes(o.logger)

	go s.reapLoop()
	return s
}

func (s *Server) routes(logger *slog.Logger) http.Handler {
	handshake := auth.Handshake(s.verifier,
		auth.WithLogger(logger),
		auth.WithRejectHook(func(*http.Request, int, error) {
			s.metrics.RecordHandshake(telemetry.ResultRejected)
		}))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(s.metrics))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.With(handshake).Get(protocol.PathSocket, s.HandleWebSocket)
	r.With(handshake).Post(protocol.PathPoll, s.HandlePollOpen)
	r.Get(protocol.PathPoll+"/{sid}", s.HandlePoll)
	r.Post(protocol.PathPoll+"/{sid}", s.HandlePollSend)
	r.Delete(protocol.PathPoll+"/{sid}", s.HandlePollClose)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	closed, n := s.closed, len(s.peers)
	s.mu.Unlock()

	if closed {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down", Connections: n})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Connections: n})
}

// register creates and tracks a peer for a verified handshake.
func (s *Server) register(principal auth.Principal, transport, remoteIP string) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	p := newPeer(uuid.NewString(), principal, transport, remoteIP, s.config.SendQueueSize, s.logger)
	s.peers[p.ID()] = p

	s.metrics.RecordHandshake(telemetry.ResultSuccess)
	s.metrics.ConnectionOpened(transport)
	p.logger.Info("peer connected", "remote_ip", remoteIP)
	return p, nil
}

// release forgets a peer and removes all of its room memberships. It is
// safe to call more than once.
func (s *Server) release(p *Peer) {
	s.mu.Lock()
	if _, ok := s.peers[p.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p.ID())
	delete(s.polls, p.ID())
	s.mu.Unlock()

	p.Close(nil)
	s.router.Leave(p)
	s.metrics.ConnectionClosed(p.Transport())
	p.logger.Info("peer disconnected",
		"remote_ip", p.RemoteIP(),
		"reason", p.Err(),
		"duration", time.Since(p.connectedAt))
}

// Run listens on Config.Address until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.HandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every peer and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	srv := s.httpServer
	s.mu.Unlock()

	for _, p := range peers {
		p.Close(ErrServerClosed)
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// Router returns the room router.
func (s *Server) Router() *Router {
	return s.router
}

// Config returns the effective configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Peers returns the number of open connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Peer returns the open connection with id.
func (s *Server) Peer(id string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}
