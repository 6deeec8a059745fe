package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/syncerr"
)

var testHandshake = protocol.Handshake{Token: "good", Role: "chef", UserID: "u1"}

// echoServer upgrades authenticated requests and echoes every message.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathSocket {
			http.NotFound(w, r)
			return
		}
		hs, err := protocol.ParseHandshake(r)
		if err != nil || hs.Token != "good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if hs.Role == "forbidden" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialer(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{}

	t.Run("send and receive", func(t *testing.T) {
		conn, err := d.Dial(context.Background(), srv.URL, testHandshake)
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		defer conn.Close()
		if conn.Transport() != TransportWebSocket {
			t.Fatalf("Transport() = %q", conn.Transport())
		}

		msg, _ := protocol.NewMessage(protocol.EventSetRole, protocol.SetRole{Role: "chef"})
		if err := conn.Send(msg); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		got, err := conn.Recv()
		if err != nil {
			t.Fatalf("Recv() error: %v", err)
		}
		if got.Event != protocol.EventSetRole {
			t.Fatalf("Recv() event = %q", got.Event)
		}
	})

	t.Run("close unblocks recv", func(t *testing.T) {
		conn, err := d.Dial(context.Background(), srv.URL, testHandshake)
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		errc := make(chan error, 1)
		go func() {
			_, err := conn.Recv()
			errc <- err
		}()
		conn.Close()
		conn.Close()
		select {
		case err := <-errc:
			if err == nil {
				t.Fatal("Recv() after Close returned nil error")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Recv() did not unblock")
		}
	})

	tests := []struct {
		name string
		hs   protocol.Handshake
		want error
	}{
		{"401", protocol.Handshake{Token: "bad", Role: "chef", UserID: "u1"}, syncerr.ErrHandshakeRejected},
		{"403", protocol.Handshake{Token: "good", Role: "forbidden", UserID: "u1"}, syncerr.ErrHandshakeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dial(context.Background(), srv.URL, tt.hs)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Dial() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("unreachable is transport", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		url := dead.URL
		dead.Close()

		_, err := d.Dial(context.Background(), url, testHandshake)
		if !errors.Is(err, syncerr.ErrTransport) {
			t.Fatalf("Dial() error = %v, want Transport", err)
		}
	})

	t.Run("404 is transport", func(t *testing.T) {
		plain := httptest.NewServer(http.NotFoundHandler())
		defer plain.Close()

		_, err := d.Dial(context.Background(), plain.URL, testHandshake)
		if !errors.Is(err, syncerr.ErrTransport) {
			t.Fatalf("Dial() error = %v, want Transport", err)
		}
	})
}

// silentServer upgrades every request and never sends data. A non-zero
// ping interval sends websocket pings on that cadence.
func silentServer(t *testing.T, ping time.Duration) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		if ping <= 0 {
			<-done
			return
		}
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialer_ReadTimeout(t *testing.T) {
	t.Run("defaults when unset", func(t *testing.T) {
		srv := silentServer(t, 0)
		conn, err := (&WebSocketDialer{}).Dial(context.Background(), srv.URL, testHandshake)
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		defer conn.Close()
		if got := conn.(*wsConn).readTimeout; got != DefaultReadTimeout {
			t.Fatalf("readTimeout = %v, want %v", got, DefaultReadTimeout)
		}
	})

	t.Run("negative disables", func(t *testing.T) {
		srv := silentServer(t, 0)
		conn, err := (&WebSocketDialer{ReadTimeout: -1}).Dial(context.Background(), srv.URL, testHandshake)
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		defer conn.Close()
		if got := conn.(*wsConn).readTimeout; got != 0 {
			t.Fatalf("readTimeout = %v, want 0", got)
		}
	})

	t.Run("silent server fails recv", func(t *testing.T) {
		srv := silentServer(t, 0)
		conn, err := (&WebSocketDialer{ReadTimeout: 50 * time.Millisecond}).Dial(context.Background(), srv.URL, testHandshake)
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		defer conn.Close()
		errc := make(chan error, 1)
		go func() {
			_, err := conn.Recv()
			errc <- err
		}()
		select {
		case err := <-errc:
			if err == nil {
				t.Fatal("Recv() returned nil error")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Recv() did not time out")
		}
	})

	t.Run("pings keep recv open", func(t *testing.T) {
		srv := silentServer(t, 20*time.Millisecond)
		conn, err := (&WebSocketDialer{ReadTimeout: 100 * time.Millisecond}).Dial(context.Background(), srv.URL, testHandshake)
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		errc := make(chan error, 1)
		go func() {
			_, err := conn.Recv()
			errc <- err
		}()
		select {
		case err := <-errc:
			t.Fatalf("Recv() returned early: %v", err)
		case <-time.After(300 * time.Millisecond):
		}
		conn.Close()
		<-errc
	})
}

// pollServer is a minimal long-polling endpoint that echoes sent batches.
type pollServer struct {
	mu      sync.Mutex
	queue   []*protocol.Message
	wake    chan struct{}
	deleted bool
}

func newPollServer(t *testing.T) (*pollServer, *httptest.Server) {
	t.Helper()
	ps := &pollServer{wake: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.PathPoll, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if protocol.BearerToken(r) != "good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sid": "s1"})
	})
	mux.HandleFunc(protocol.PathPoll+"/s1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			msgs, err := protocol.DecodeBatch(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ps.mu.Lock()
			ps.queue = append(ps.queue, msgs...)
			ps.mu.Unlock()
			select {
			case ps.wake <- struct{}{}:
			default:
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			select {
			case <-ps.wake:
			case <-time.After(50 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
			ps.mu.Lock()
			batch := ps.queue
			ps.queue = nil
			ps.mu.Unlock()
			data, _ := protocol.EncodeBatch(batch)
			w.Write(data)
		case http.MethodDelete:
			ps.mu.Lock()
			ps.deleted = true
			ps.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return ps, srv
}

func TestPollingDialer(t *testing.T) {
	ps, srv := newPollServer(t)
	d := &PollingDialer{}

	conn, err := d.Dial(context.Background(), srv.URL, testHandshake)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if conn.Transport() != TransportPolling {
		t.Fatalf("Transport() = %q", conn.Transport())
	}

	first, _ := protocol.NewMessage(protocol.EventSetRole, protocol.SetRole{Role: "chef"})
	second, _ := protocol.NewMessage(protocol.EventUserConnected, protocol.UserConnected{UserID: "u1", Role: "chef"})
	if err := conn.Send(first); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := conn.Send(second); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	for _, want := range []protocol.EventName{protocol.EventSetRole, protocol.EventUserConnected} {
		got, err := conn.Recv()
		if err != nil {
			t.Fatalf("Recv() error: %v", err)
		}
		if got.Event != want {
			t.Fatalf("Recv() event = %q, want %q", got.Event, want)
		}
	}

	conn.Close()
	ps.mu.Lock()
	deleted := ps.deleted
	ps.mu.Unlock()
	if !deleted {
		t.Fatal("Close() did not delete the poll session")
	}
	if err := conn.Send(first); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send() after Close error = %v", err)
	}
}

func TestPollingDialer_Rejected(t *testing.T) {
	_, srv := newPollServer(t)
	d := &PollingDialer{}

	_, err := d.Dial(context.Background(), srv.URL, protocol.Handshake{Token: "bad", Role: "chef", UserID: "u1"})
	if !errors.Is(err, syncerr.ErrHandshakeRejected) {
		t.Fatalf("Dial() error = %v, want HandshakeRejected", err)
	}
}

func TestFallbackDialer(t *testing.T) {
	okConn := &fakeConn{d: &fakeDialer{}, inbox: make(chan *protocol.Message), closed: make(chan struct{})}
	fail := DialerFunc(func(context.Context, string, protocol.Handshake) (Conn, error) {
		return nil, transportErr()
	})
	reject := DialerFunc(func(context.Context, string, protocol.Handshake) (Conn, error) {
		return nil, rejectedErr()
	})
	var okCalls int
	ok := DialerFunc(func(context.Context, string, protocol.Handshake) (Conn, error) {
		okCalls++
		return okConn, nil
	})

	t.Run("falls through transport errors", func(t *testing.T) {
		conn, err := FallbackDialer{fail, ok}.Dial(context.Background(), "http://x", testHandshake)
		if err != nil || conn != okConn {
			t.Fatalf("Dial() = %v, %v", conn, err)
		}
	})

	t.Run("stops on rejection", func(t *testing.T) {
		okCalls = 0
		_, err := FallbackDialer{reject, ok}.Dial(context.Background(), "http://x", testHandshake)
		if !errors.Is(err, syncerr.ErrHandshakeRejected) {
			t.Fatalf("Dial() error = %v, want HandshakeRejected", err)
		}
		if okCalls != 0 {
			t.Fatal("fallback dialer used after rejection")
		}
	})

	t.Run("all fail", func(t *testing.T) {
		_, err := FallbackDialer{fail, fail}.Dial(context.Background(), "http://x", testHandshake)
		if !errors.Is(err, syncerr.ErrTransport) {
			t.Fatalf("Dial() error = %v, want Transport", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := FallbackDialer{}.Dial(context.Background(), "http://x", testHandshake)
		if !errors.Is(err, syncerr.ErrTransport) {
			t.Fatalf("Dial() error = %v, want Transport", err)
		}
	})

	t.Run("real transports fall back to polling", func(t *testing.T) {
		_, srv := newPollServer(t)
		conn, err := NewFallbackDialer().Dial(context.Background(), srv.URL, testHandshake)
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		defer conn.Close()
		if conn.Transport() != TransportPolling {
			t.Fatalf("Transport() = %q, want polling", conn.Transport())
		}
	})
}
