package synctest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
)

// Request is one call recorded by a Backend.
type Request struct {
	Method string
	Path   string
	Token  string
	Body   string
}

type failure struct {
	status  int
	message string
}

// Backend is a fake of the REST API the sync layer consumes:
//
//	GET   /api/auth/me              identity for the bearer token
//	PATCH /api/orders/{id}/status   body {"status": "..."}
//
// Unknown tokens get 401 {"message": "Invalid token"}.
type Backend struct {
	// URL is the base URL of the fake.
	URL string

	server *httptest.Server

	mu       sync.Mutex
	users    map[string]session.Identity
	orders   map[string]string
	failures map[string]failure
	failAll  *failure
	requests []Request
}

// NewBackend starts a fake backend. Call Close when done.
func NewBackend() *Backend {
	b := &Backend{
		users:    make(map[string]session.Identity),
		orders:   make(map[string]string),
		failures: make(map[string]failure),
	}

	r := chi.NewRouter()
	r.Use(b.record)
	r.Get("/api/auth/me", b.handleMe)
	r.Patch("/api/orders/{id}/status", b.handleOrderStatus)

	b.server = httptest.NewServer(r)
	b.URL = b.server.URL
	return b
}

// Close shuts the fake down.
func (b *Backend) Close() {
	b.server.Close()
}

// AddUser makes token resolve to identity.
func (b *Backend) AddUser(token string, identity session.Identity) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[token] = identity
	return b
}

// Revoke makes token answer 401 from now on.
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, token)
}

// FailOrder makes updates of orderID answer status with message.
func (b *Backend) FailOrder(orderID string, status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[orderID] = failure{status: status, message: message}
}

// FailAll makes every order update answer status with message until Heal.
func (b *Backend) FailAll(status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAll = &failure{status: status, message: message}
}

// Heal removes all configured failures.
func (b *Backend) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAll = nil
	clear(b.failures)
}

// OrderStatus returns the last committed status of orderID.
func (b *Backend) OrderStatus(orderID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.orders[orderID]
	return status, ok
}

// Requests returns the recorded requests in arrival order.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// CountRequests returns how many recorded requests match method and path.
func (b *Backend) CountRequests(method, path string) int {
	n := 0
	for _, req := range b.Requests() {
		if req.Method == method && req.Path == path {
			n++
		}
	}
	return n
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, protocol.MaxMessageSize))
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		b.mu.Lock()
		b.requests = append(b.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Token:  protocol.BearerToken(r),
			Body:   string(body),
		})
		b.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (b *Backend) identity(r *http.Request) (session.Identity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	identity, ok := b.users[protocol.BearerToken(r)]
	return identity, ok
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := b.identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]session.Identity{"user": identity})
}

func (b *Backend) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.identity(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid token"})
		return
	}
	orderID := chi.URLParam(r, "id")

	b.mu.Lock()
	f, failed := b.failures[orderID]
	if b.failAll != nil {
		f, failed = *b.failAll, true
	}
	b.mu.Unlock()
	if failed {
		if f.message == "" {
			w.WriteHeader(f.status)
			return
		}
		writeJSON(w, f.status, map[string]string{"message": f.message})
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}

	b.mu.Lock()
	b.orders[orderID] = body.Status
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"id": orderID, "status": body.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
