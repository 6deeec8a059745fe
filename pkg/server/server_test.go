package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

var testUsers = map[string]auth.Principal{
	"tok-admin":    {UserID: "admin1", Role: session.RoleAdmin},
	"tok-chef":     {UserID: "chef1", Role: session.RoleChef},
	"tok-waiter":   {UserID: "waiter1", Role: session.RoleWaiter},
	"tok-customer": {UserID: "cust1", Role: session.RoleCustomer},
}

var testVerifier = auth.VerifierFunc(func(_ context.Context, token string) (auth.Principal, error) {
	p, ok := testUsers[token]
	if !ok {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	return p, nil
})

type testEnv struct {
	srv  *Server
	http *httptest.Server
	reg  *prometheus.Registry
}

func newTestEnv(t *testing.T, config *Config) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(telemetry.WithRegistry(reg))
	srv := New(config, testVerifier,
		WithLogger(discardLogger()),
		WithMetrics(metrics),
		WithGatherer(reg))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &testEnv{srv: srv, http: hs, reg: reg}
}

func handshakeFor(token string) protocol.Handshake {
	p := testUsers[token]
	return protocol.Handshake{Token: token, Role: p.Role.String(), UserID: p.UserID}
}

func (e *testEnv) wsURL(hs protocol.Handshake) string {
	u, _ := url.Parse("ws" + strings.TrimPrefix(e.http.URL, "http") + protocol.PathSocket)
	return hs.Apply(u).String()
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	hs := handshakeFor(token)
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(hs), hs.Header())
	if err != nil {
		t.Fatalf("Dial(%s) error: %v", token, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event protocol.EventName, payload any) {
	t.Helper()
	data, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	return msg
}

func readError(t *testing.T, conn *websocket.Conn) protocol.ErrorPayload {
	t.Helper()
	msg := readEvent(t, conn)
	if msg.Event != protocol.EventError {
		t.Fatalf("event=%q, want error", msg.Event)
	}
	var payload protocol.ErrorPayload
	if err := msg.Bind(&payload); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	return payload
}

// expectSilence fails if conn receives a message within d. The conn is
// unusable for reads afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message: %s", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("ReadMessage() error=%v, want timeout", err)
	}
}

func announce(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	p := testUsers[token]
	sendEvent(t, conn, protocol.EventSetRole, protocol.SetRole{Role: p.Role.String()})
	sendEvent(t, conn, protocol.EventUserConnected, protocol.UserConnected{
		UserID: p.UserID,
		Role:   p.Role.String(),
		Name:   p.UserID,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *testEnv) waitMembers(t *testing.T, room string, n int) {
	t.Helper()
	waitFor(t, room+" membership", func() bool {
		return len(e.srv.Router().Members(room)) == n
	})
}

func TestServer_HandshakeRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		hs   protocol.Handshake
		want int
	}{
		{"missing token", protocol.Handshake{Role: "chef", UserID: "chef1"}, http.StatusUnauthorized},
		{"unknown token", protocol.Handshake{Token: "nope", Role: "chef", UserID: "chef1"}, http.StatusUnauthorized},
		{"role mismatch", protocol.Handshake{Token: "tok-chef", Role: "admin", UserID: "chef1"}, http.StatusForbidden},
		{"user mismatch", protocol.Handshake{Token: "tok-chef", Role: "chef", UserID: "admin1"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.hs.Token != "" {
				header = tt.hs.Header()
			}
			u, _ := url.Parse(env.wsURL(tt.hs))
			if tt.hs.Token == "" {
				q := u.Query()
				q.Del(protocol.QueryToken)
				u.RawQuery = q.Encode()
			}
			_, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("Dial() error=%v, want ErrBadHandshake", err)
			}
			if resp.StatusCode != tt.want {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if got := gathered(t, env.reg, "ordersync_handshakes_total"); got != float64(len(tests)) {
		t.Fatalf("handshakes_total=%v, want %d", got, len(tests))
	}
	if env.srv.Peers() != 0 {
		t.Fatalf("Peers()=%d after rejected handshakes", env.srv.Peers())
	}
}

func TestServer_FanOut(t *testing.T) {
	env := newTestEnv(t, nil)

	chef := env.dial(t, "tok-chef")
	waiter := env.dial(t, "tok-waiter")
	admin := env.dial(t, "tok-admin")
	customer := env.dial(t, "tok-customer")
	for token, conn := range map[string]*websocket.Conn{
		"tok-chef": chef, "tok-waiter": waiter, "tok-admin": admin, "tok-customer": customer,
	} {
		announce(t, conn, token)
	}
	env.waitMembers(t, "role:chef", 1)
	env.waitMembers(t, "role:waiter", 1)
	env.waitMembers(t, "role:admin", 1)
	env.waitMembers(t, "role:customer", 1)

	sendEvent(t, chef, protocol.EventOrderStatusUpdate, protocol.OrderStatusEvent{
		OrderID:   "o-42",
		Status:    "ready",
		EmittedBy: "somebody-else",
	})

	for name, conn := range map[string]*websocket.Conn{"waiter": waiter, "admin": admin} {
		msg := readEvent(t, conn)
		if msg.Event != protocol.EventOrderStatusUpdate {
			t.Fatalf("%s got event %q", name, msg.Event)
		}
		var ev protocol.OrderStatusEvent
		if err := msg.Bind(&ev); err != nil {
			t.Fatalf("Bind() error: %v", err)
		}
		if ev.OrderID != "o-42" || ev.Status != "ready" {
			t.Fatalf("%s got %+v", name, ev)
		}
		if ev.EmittedBy != "chef1" {
			t.Fatalf("%s emittedBy=%q, want verified chef1", name, ev.EmittedBy)
		}
		if ev.EmittedAt.IsZero() {
			t.Fatalf("%s emittedAt not stamped", name)
		}
	}

	expectSilence(t, chef, 150*time.Millisecond)
	expectSilence(t, customer, 50*time.Millisecond)
}

func TestServer_ReconnectAnnouncementRejoins(t *testing.T) {
	env := newTestEnv(t, nil)

	waiter := env.dial(t, "tok-waiter")
	sendEvent(t, waiter, protocol.EventUserReconnected, protocol.UserReconnected{UserID: "waiter1"})
	env.waitMembers(t, "user:waiter1", 1)
	env.waitMembers(t, "role:waiter", 1)
}

func TestServer_AnnouncementMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	waiter := env.dial(t, "tok-waiter")

	sendEvent(t, waiter, protocol.EventUserConnected, protocol.UserConnected{UserID: "chef1", Role: "chef"})
	if got := readError(t, waiter); got.Code != protocol.CodeIdentityMismatch {
		t.Fatalf("code=%q, want identity_mismatch", got.Code)
	}

	sendEvent(t, waiter, protocol.EventSetRole, protocol.SetRole{Role: "admin"})
	if got := readError(t, waiter); got.Code != protocol.CodeIdentityMismatch {
		t.Fatalf("code=%q, want identity_mismatch", got.Code)
	}

	if got := env.srv.Router().Members("role:chef"); len(got) != 0 {
		t.Fatalf("mismatched announcement joined role:chef: %v", got)
	}
	if got := env.srv.Router().Members("role:admin"); len(got) != 0 {
		t.Fatalf("mismatched announcement joined role:admin: %v", got)
	}
}

func TestServer_RejectsInvalidMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	chef := env.dial(t, "tok-chef")

	// Not announced yet.
	sendEvent(t, chef, protocol.EventOrderStatusUpdate, protocol.OrderStatusEvent{OrderID: "o1", Status: "ready"})
	if got := readError(t, chef); got.Code != protocol.CodeNotAnnounced {
		t.Fatalf("code=%q, want not_announced", got.Code)
	}

	if err := chef.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if got := readError(t, chef); got.Code != protocol.CodeInvalidMessage {
		t.Fatalf("code=%q, want invalid_message", got.Code)
	}

	sendEvent(t, chef, "dance", map[string]string{})
	if got := readError(t, chef); got.Code != protocol.CodeUnknownEvent {
		t.Fatalf("code=%q, want unknown_event", got.Code)
	}

	announce(t, chef, "tok-chef")
	sendEvent(t, chef, protocol.EventOrderStatusUpdate, protocol.OrderStatusEvent{Status: "ready"})
	if got := readError(t, chef); got.Code != protocol.CodeInvalidEvent {
		t.Fatalf("code=%q, want invalid_event", got.Code)
	}

	if got := gathered(t, env.reg, "ordersync_protocol_errors_total"); got != 4 {
		t.Fatalf("protocol_errors_total=%v, want 4", got)
	}
}

func TestServer_UnknownEventsShareMetricLabel(t *testing.T) {
	env := newTestEnv(t, nil)
	chef := env.dial(t, "tok-chef")

	for _, name := range []protocol.EventName{"dance", "juggle"} {
		sendEvent(t, chef, name, map[string]string{})
		if got := readError(t, chef); got.Code != protocol.CodeUnknownEvent {
			t.Fatalf("%s: code=%q, want unknown_event", name, got.Code)
		}
	}
	announce(t, chef, "tok-chef")
	env.waitMembers(t, "role:chef", 1)

	received := map[string]float64{}
	families, err := env.reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "ordersync_events_received_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "event" {
					received[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	if received["unknown"] != 2 {
		t.Fatalf("unknown=%v, want 2 (%v)", received["unknown"], received)
	}
	if _, ok := received["dance"]; ok {
		t.Fatalf("client event name leaked into labels: %v", received)
	}
	if received[string(protocol.EventSetRole)] != 1 {
		t.Fatalf("set_role=%v, want 1 (%v)", received[string(protocol.EventSetRole)], received)
	}
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_DisconnectLogsRemoteIP(t *testing.T) {
	var logs lockedBuffer
	srv := New(nil, testVerifier, WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	env := &testEnv{srv: srv, http: hs}

	conn := env.dial(t, "tok-chef")
	waitFor(t, "peer", func() bool { return srv.Peers() == 1 })
	conn.Close()
	waitFor(t, "peer release", func() bool { return srv.Peers() == 0 })

	waitFor(t, "disconnect log", func() bool {
		for _, line := range strings.Split(logs.String(), "\n") {
			if strings.Contains(line, `"msg":"peer disconnected"`) {
				return strings.Contains(line, `"remote_ip":"127.0.0.1"`)
			}
		}
		return false
	})
}

func TestServer_DisconnectRemovesMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	waiter := env.dial(t, "tok-waiter")
	announce(t, waiter, "tok-waiter")
	env.waitMembers(t, "role:waiter", 1)

	waiter.Close()

	env.waitMembers(t, "role:waiter", 0)
	env.waitMembers(t, "user:waiter1", 0)
	waitFor(t, "peer release", func() bool { return env.srv.Peers() == 0 })
}

func TestServer_UserDisconnectedLeavesRooms(t *testing.T) {
	env := newTestEnv(t, nil)
	waiter := env.dial(t, "tok-waiter")
	announce(t, waiter, "tok-waiter")
	env.waitMembers(t, "role:waiter", 1)

	sendEvent(t, waiter, protocol.EventUserDisconnected, protocol.UserDisconnected{UserID: "someone"})
	if got := readError(t, waiter); got.Code != protocol.CodeIdentityMismatch {
		t.Fatalf("code=%q, want identity_mismatch", got.Code)
	}

	sendEvent(t, waiter, protocol.EventUserDisconnected, protocol.UserDisconnected{UserID: "waiter1"})
	env.waitMembers(t, "role:waiter", 0)
	if env.srv.Peers() != 1 {
		t.Fatalf("Peers()=%d, connection should stay open", env.srv.Peers())
	}
}

func TestServer_NewConnectionSupersedesOld(t *testing.T) {
	env := newTestEnv(t, nil)
	chef := env.dial(t, "tok-chef")
	announce(t, chef, "tok-chef")

	first := env.dial(t, "tok-waiter")
	announce(t, first, "tok-waiter")
	env.waitMembers(t, "role:waiter", 1)
	firstID := env.srv.Router().Members("user:waiter1")[0]

	second := env.dial(t, "tok-waiter")
	announce(t, second, "tok-waiter")
	waitFor(t, "second connection to own user:waiter1", func() bool {
		members := env.srv.Router().Members("user:waiter1")
		return len(members) == 1 && members[0] != firstID
	})
	env.waitMembers(t, "role:chef", 1)

	sendEvent(t, chef, protocol.EventOrderStatusUpdate, protocol.OrderStatusEvent{OrderID: "o1", Status: "served"})
	if msg := readEvent(t, second); msg.Event != protocol.EventOrderStatusUpdate {
		t.Fatalf("event=%q", msg.Event)
	}
	expectSilence(t, first, 150*time.Millisecond)
}

func TestServer_MissedHeartbeatDisconnects(t *testing.T) {
	config := DefaultConfig()
	config.ReadTimeout = 200 * time.Millisecond
	config.HeartbeatInterval = 50 * time.Millisecond
	env := newTestEnv(t, config)

	// The client never reads, so pings are never answered.
	waiter := env.dial(t, "tok-waiter")
	announce(t, waiter, "tok-waiter")

	waitFor(t, "heartbeat disconnect", func() bool { return env.srv.Peers() == 0 })
	if got := env.srv.Router().Members("role:waiter"); len(got) != 0 {
		t.Fatalf("Members(role:waiter)=%v after heartbeat timeout", got)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dial(t, "tok-chef")
	waitFor(t, "peer", func() bool { return env.srv.Peers() == 1 })

	resp, err := http.Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != "ok" || health.Connections != 1 {
		t.Fatalf("healthz=%d %+v", resp.StatusCode, health)
	}

	resp, err = http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"ordersync_active_connections", "ordersync_handshakes_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("/metrics missing %s", name)
		}
	}
}

func TestServer_ShutdownClosesPeers(t *testing.T) {
	env := newTestEnv(t, nil)
	waiter := env.dial(t, "tok-waiter")
	announce(t, waiter, "tok-waiter")
	env.waitMembers(t, "role:waiter", 1)

	if err := env.srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	waiter.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := waiter.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("ReadMessage() error=%v, want going away close", err)
	}
	waitFor(t, "release", func() bool { return env.srv.Peers() == 0 })

	resp, err := http.Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz after shutdown=%d, want 503", resp.StatusCode)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	config := DefaultConfig().WithAddress("127.0.0.1:0")
	srv := New(config, testVerifier, WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestConfig_Validate(t *testing.T) {
	config := DefaultConfig().withDefaults()
	if err := config.Validate(); err != nil {
		t.Fatalf("default Validate() error: %v", err)
	}

	config.HeartbeatInterval = config.ReadTimeout
	if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate() error=%v, want ErrInvalidConfig", err)
	}
}
