package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/syncerr"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// SessionSource is the part of *session.Store the manager depends on.
type SessionSource interface {
	Current() session.Session
	Subscribe(l session.Listener) (unsubscribe func())
	ClearIfToken(token string) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager owns the realtime connection of one session at a time.
type Manager struct {
	store    SessionSource
	dialer   Dialer
	endpoint string
	config   *Config
	backoff  Backoff
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu          sync.Mutex
	gen         *generation
	state       State
	status      Status
	notified    Status
	lastSeq     uint64
	started     bool
	closed      bool
	unsubscribe func()

	obsMu        sync.Mutex
	nextObserver uint64
	stateObs     map[uint64]func(Status)
	eventObs     map[uint64]eventObserver
}

type eventObserver struct {
	event protocol.EventName
	fn    func(*protocol.Message)
}

// generation is one session's connection attempt sequence. Its goroutine
// dials, reads, and redials until the generation is torn down.
type generation struct {
	session session.Session
	connID  string

	ctx    context.Context
	cancel context.CancelFunc

	// done is closed when the run goroutine exits; closed is closed when
	// teardown has finished closing the transport.
	done   chan struct{}
	closed chan struct{}

	// mu is the write lock. It guards conn and orders the announcements
	// before any emitted message.
	mu        sync.Mutex
	conn      Conn
	announced bool
	stopped   bool

	teardownOnce sync.Once
}

// snapshot returns the generation's session.
func (g *generation) snapshot() session.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// patch adopts sess when only identity details changed. It reports false
// when the token or role differ, or when the generation gave up retrying,
// and a new connection is needed.
func (g *generation) patch(sess session.Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.session.Token != sess.Token || g.session.Role() != sess.Role() {
		return false
	}
	g.session = sess
	return true
}

// NewManager creates a manager for store that dials endpoint (the realtime
// server's base URL) with dialer. Call Start to begin following the store.
func NewManager(store SessionSource, dialer Dialer, endpoint string, config *Config, opts ...Option) *Manager {
	cfg := config.withDefaults()
	m := &Manager{
		store:    store,
		dialer:   dialer,
		endpoint: endpoint,
		config:   cfg,
		backoff:  cfg.backoff(),
		logger:   slog.Default(),
		stateObs: make(map[uint64]func(Status)),
		eventObs: make(map[uint64]eventObserver),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection_manager")
	return m
}

// Start subscribes to the store and connects if a session is present.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	unsubscribe := m.store.Subscribe(m.onSessionChange)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	if current := m.store.Current(); current.Present() {
		m.connect(current, "")
	}
}

// onSessionChange runs synchronously on the goroutine that changed the
// store. It never waits for a connection goroutine.
func (m *Manager) onSessionChange(c session.Change) {
	m.mu.Lock()
	if c.Seq <= m.lastSeq {
		m.mu.Unlock()
		return
	}
	m.lastSeq = c.Seq
	gen := m.gen
	m.mu.Unlock()

	switch {
	case !c.Current.Present():
		m.disconnect(true)
	case c.Kind == session.ChangePatch && gen != nil && gen.patch(c.Current):
		// Display name or activity patch: rooms are unchanged.
	default:
		m.connect(c.Current, "")
	}
}

// connect replaces the current generation with one for sess. connID is
// reused when non-empty.
func (m *Manager) connect(sess session.Session, connID string) {
	if connID == "" {
		connID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{
		session: sess,
		connID:  connID,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	prev := m.gen
	m.gen = gen
	m.status = Status{
		ConnectionID: connID,
		UserID:       sess.UserID(),
		Role:         sess.Role().String(),
	}
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	var prevDone, prevClosed <-chan struct{}
	if prev != nil {
		m.teardown(prev, true)
		prevDone, prevClosed = prev.done, prev.closed
	}
	notify()

	m.logger.Info("session available, connecting",
		"user_id", sess.UserID(),
		"role", sess.Role(),
		"connection_id", connID)
	go m.run(gen, prevDone, prevClosed)
}

// disconnect tears down the current generation. terminal marks a logout.
func (m *Manager) disconnect(terminal bool) {
	m.mu.Lock()
	gen := m.gen
	m.gen = nil
	var notify func()
	if gen != nil {
		m.status.Terminal = terminal
		m.status.Transport = ""
		notify = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if gen == nil {
		return
	}
	m.logger.Info("session ended, closing connection",
		"user_id", gen.snapshot().UserID(),
		"connection_id", gen.connID)
	m.teardown(gen, true)
	notify()
}

// teardown cancels gen and closes its transport in the background,
// sending user_disconnected first when goodbye is set and the connection
// had announced itself.
func (m *Manager) teardown(gen *generation, goodbye bool) {
	gen.teardownOnce.Do(func() { m.closeGeneration(gen, goodbye) })
}

func (m *Manager) closeGeneration(gen *generation, goodbye bool) {
	gen.cancel()
	go func() {
		defer close(gen.closed)
		gen.mu.Lock()
		conn := gen.conn
		gen.conn = nil
		if conn != nil && goodbye && gen.announced {
			if err := m.send(conn, protocol.EventUserDisconnected,
				protocol.UserDisconnected{UserID: gen.session.UserID()}); err != nil {
				m.logger.Debug("user_disconnected not delivered", "error", err)
			}
		}
		gen.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}()
}

// run is the generation's goroutine.
func (m *Manager) run(gen *generation, prevDone, prevClosed <-chan struct{}) {
	defer close(gen.done)

	for _, ch := range []<-chan struct{}{prevDone, prevClosed} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-gen.ctx.Done():
			return
		}
	}

	sess := gen.snapshot()
	hs := protocol.Handshake{
		Token:  sess.Token,
		Role:   sess.Role().String(),
		UserID: sess.UserID(),
	}
	failures := 0
	connected := false

	for {
		if gen.ctx.Err() != nil {
			return
		}
		if connected {
			m.transition(gen, StateReconnecting)
		} else {
			m.transition(gen, StateConnecting)
		}

		conn, err := m.dialer.Dial(gen.ctx, m.endpoint, hs)
		if err != nil {
			if gen.ctx.Err() != nil {
				return
			}
			if errors.Is(err, syncerr.ErrHandshakeRejected) {
				m.metrics.RecordConnectAttempt(telemetry.ResultRejected)
				m.logger.Warn("handshake rejected, clearing session",
					"user_id", hs.UserID,
					"error", err)
				m.rejected(gen)
				return
			}

			failures++
			m.metrics.RecordConnectAttempt(telemetry.ResultFailure)
			m.logger.Warn("connect failed",
				"attempt", failures,
				"connection_id", gen.connID,
				"error", err)
			if m.failed(gen, failures) {
				return
			}
			if !sleep(gen.ctx, m.backoff.Delay(failures)) {
				return
			}
			continue
		}

		m.metrics.RecordConnectAttempt(telemetry.ResultSuccess)
		if err := m.attach(gen, conn, connected); err != nil {
			conn.Close()
			if gen.ctx.Err() != nil {
				return
			}
			failures++
			m.logger.Warn("announce failed", "error", err)
			if m.failed(gen, failures) {
				return
			}
			if !sleep(gen.ctx, m.backoff.Delay(failures)) {
				return
			}
			continue
		}
		if connected {
			m.metrics.RecordReconnect()
		}
		connected = true
		failures = 0

		err = m.readLoop(gen, conn)
		m.detach(gen, conn)
		if gen.ctx.Err() != nil {
			return
		}

		m.logger.Info("transport disconnected",
			"connection_id", gen.connID,
			"error", err)
		m.transition(gen, StateDisconnected)
		if !sleep(gen.ctx, m.backoff.Delay(1)) {
			return
		}
	}
}

// attach announces the identity on conn and publishes it as the live
// connection. The write lock is held throughout so no Emit can precede the
// announcements.
func (m *Manager) attach(gen *generation, conn Conn, reconnect bool) error {
	gen.mu.Lock()
	if gen.ctx.Err() != nil {
		gen.mu.Unlock()
		return gen.ctx.Err()
	}

	sess := gen.session
	userID := sess.UserID()
	role := sess.Role().String()
	var name string
	if sess.Identity != nil {
		name = sess.Identity.DisplayName
	}

	if err := m.send(conn, protocol.EventSetRole, protocol.SetRole{Role: role}); err != nil {
		gen.mu.Unlock()
		return err
	}
	if err := m.send(conn, protocol.EventUserConnected, protocol.UserConnected{
		UserID: userID,
		Role:   role,
		Name:   name,
	}); err != nil {
		gen.mu.Unlock()
		return err
	}
	if reconnect {
		if err := m.send(conn, protocol.EventUserReconnected, protocol.UserReconnected{UserID: userID}); err != nil {
			gen.mu.Unlock()
			return err
		}
	}

	gen.conn = conn
	gen.announced = true

	m.mu.Lock()
	var notify func()
	if m.gen == gen {
		m.status.Transport = conn.Transport()
		m.status.Failures = 0
		m.status.Degraded = false
		m.status.Stopped = false
		m.metrics.SetDegraded(false)
		notify = m.setStateLocked(StateConnected)
	}
	m.mu.Unlock()
	gen.mu.Unlock()

	if notify != nil {
		notify()
	}
	m.logger.Info("connected",
		"transport", conn.Transport(),
		"connection_id", gen.connID,
		"reconnect", reconnect)
	return nil
}

// detach forgets conn after its read loop ended.
func (m *Manager) detach(gen *generation, conn Conn) {
	gen.mu.Lock()
	if gen.conn == conn {
		gen.conn = nil
	}
	gen.mu.Unlock()
	conn.Close()
}

func (m *Manager) readLoop(gen *generation, conn Conn) error {
	for {
		msg, err := conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				m.logger.Warn("dropping invalid message", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if gen.ctx.Err() != nil {
			return nil
		}
		m.metrics.RecordEventReceived(string(msg.Event))

		if msg.Event == protocol.EventError {
			var payload protocol.ErrorPayload
			if err := msg.Bind(&payload); err == nil {
				m.logger.Warn("server reported error",
					"code", payload.Code,
					"message", payload.Message)
			}
		}
		m.dispatch(msg)
	}
}

// rejected handles a refused handshake as a lost session.
func (m *Manager) rejected(gen *generation) {
	if m.store.ClearIfToken(gen.snapshot().Token) {
		// The store listener tore this generation down.
		return
	}
	// The token changed under us; a newer generation owns the manager.
	m.mu.Lock()
	var notify func()
	if m.gen == gen {
		m.gen = nil
		m.status.Terminal = true
		notify = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
	m.teardown(gen, false)
	if notify != nil {
		notify()
	}
}

// failed records a failed connect and reports whether retries are
// exhausted.
func (m *Manager) failed(gen *generation, failures int) bool {
	exhausted := m.config.MaxReconnectAttempts > 0 && failures >= m.config.MaxReconnectAttempts
	degraded := failures >= m.config.DegradedAfter

	if exhausted {
		gen.mu.Lock()
		gen.stopped = true
		gen.mu.Unlock()
	}

	m.mu.Lock()
	var notify func()
	if m.gen == gen {
		m.status.Failures = failures
		m.status.Transport = ""
		if degraded && !m.status.Degraded {
			m.logger.Warn("realtime degraded", "failures", failures)
		}
		m.status.Degraded = degraded
		m.status.Stopped = exhausted
		m.metrics.SetDegraded(degraded)
		notify = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}

	if exhausted {
		m.logger.Error("giving up on realtime connection",
			"failures", failures,
			"connection_id", gen.connID)
	}
	return exhausted
}

// transition sets the state if gen is still current.
func (m *Manager) transition(gen *generation, state State) {
	m.mu.Lock()
	var notify func()
	if m.gen == gen {
		if state != StateConnected {
			m.status.Transport = ""
		}
		notify = m.setStateLocked(state)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// setStateLocked updates the state and returns a func that notifies
// observers when the status changed. Call the func after releasing every
// lock.
func (m *Manager) setStateLocked(state State) func() {
	m.state = state
	m.status.State = state
	m.metrics.SetConnectionState(state.String(), stateNames())
	if m.status == m.notified {
		return func() {}
	}
	status := m.status
	m.notified = status
	return func() { m.notifyState(status) }
}

func (m *Manager) notifyState(status Status) {
	m.obsMu.Lock()
	fns := make([]func(Status), 0, len(m.stateObs))
	for _, fn := range m.stateObs {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (m *Manager) dispatch(msg *protocol.Message) {
	m.obsMu.Lock()
	fns := make([]func(*protocol.Message), 0, len(m.eventObs))
	for _, o := range m.eventObs {
		if o.event == msg.Event {
			fns = append(fns, o.fn)
		}
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (m *Manager) send(conn Conn, event protocol.EventName, payload any) error {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(msg); err != nil {
		return err
	}
	m.metrics.RecordEventEmitted(string(event), telemetry.ResultSent)
	return nil
}

// Emit sends event on the live connection. It returns ErrNotConnected when
// there is none; nothing is buffered.
func (m *Manager) Emit(event protocol.EventName, payload any) error {
	m.mu.Lock()
	gen := m.gen
	connected := m.state == StateConnected
	m.mu.Unlock()

	if gen == nil || !connected {
		m.metrics.RecordEventEmitted(string(event), telemetry.ResultDropped)
		return ErrNotConnected
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	conn := gen.conn
	if conn == nil || gen.ctx.Err() != nil {
		m.metrics.RecordEventEmitted(string(event), telemetry.ResultDropped)
		return ErrNotConnected
	}
	if err := m.send(conn, event, payload); err != nil {
		m.metrics.RecordEventEmitted(string(event), telemetry.ResultDropped)
		m.logger.Warn("emit failed, closing transport", "event", event, "error", err)
		// The read loop sees the close and reconnects.
		gen.conn = nil
		go conn.Close()
		return syncerr.New(syncerr.KindTransport, "client.Manager.Emit").Wrap(err)
	}
	return nil
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStateChange registers fn for state transitions. fn runs on the
// goroutine that caused the transition and must not block.
func (m *Manager) OnStateChange(fn func(Status)) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	id := m.nextObserver
	m.nextObserver++
	m.stateObs[id] = fn
	return func() {
		m.obsMu.Lock()
		delete(m.stateObs, id)
		m.obsMu.Unlock()
	}
}

// OnEvent registers fn for inbound messages named event. fn runs on the
// connection's read goroutine.
func (m *Manager) OnEvent(event protocol.EventName, fn func(*protocol.Message)) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	id := m.nextObserver
	m.nextObserver++
	m.eventObs[id] = eventObserver{event: event, fn: fn}
	return func() {
		m.obsMu.Lock()
		delete(m.eventObs, id)
		m.obsMu.Unlock()
	}
}

// OnOrderStatus registers fn for inbound order_status_update events.
// Malformed payloads are logged and skipped.
func (m *Manager) OnOrderStatus(fn func(protocol.OrderStatusEvent)) (unsubscribe func()) {
	return m.OnEvent(protocol.EventOrderStatusUpdate, func(msg *protocol.Message) {
		var ev protocol.OrderStatusEvent
		if err := msg.Bind(&ev); err != nil {
			m.logger.Warn("invalid order_status_update", "error", err)
			return
		}
		if err := ev.Validate(); err != nil {
			m.logger.Warn("invalid order_status_update", "error", err)
			return
		}
		fn(ev)
	})
}

// Reconnect restarts a manager that stopped retrying, for the current
// session. It is a no-op while a generation is still running.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	gen := m.gen
	m.mu.Unlock()

	current := m.store.Current()
	if !current.Present() {
		return syncerr.New(syncerr.KindUnauthenticated, "client.Manager.Reconnect")
	}

	connID := ""
	if gen != nil {
		gen.mu.Lock()
		stopped := gen.stopped
		token := gen.session.Token
		gen.mu.Unlock()
		if !stopped {
			return nil
		}
		if token == current.Token {
			connID = gen.connID
		}
	}
	m.connect(current, connID)
	return nil
}

// Close disconnects, stops following the store and waits for the
// connection goroutine to exit or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	unsubscribe := m.unsubscribe
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.disconnect(true)

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if gen == nil {
		return nil
	}
	for _, ch := range []<-chan struct{}{gen.done, gen.closed} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
