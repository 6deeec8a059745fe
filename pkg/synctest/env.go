package synctest

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-dev/ordersync/pkg/api"
	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/server"
	"github.com/vango-dev/ordersync/pkg/session"
)

// Builder configures an Env.
type Builder struct {
	users  map[string]session.Identity
	config *server.Config
	logger *slog.Logger
	opts   []server.Option
}

// Env is a running fake backend plus a realtime server that verifies
// handshakes against it.
type Env struct {
	// Backend is the fake REST API.
	Backend *Backend

	// Server is the realtime server.
	Server *server.Server

	// URL is the realtime server's base URL.
	URL string

	logger *slog.Logger
}

// NewEnv creates an environment builder.
//
// Example:
//
//	env := synctest.NewEnv().
//	    WithUser("tok-chef", synctest.User("chef1", session.RoleChef)).
//	    Start(t)
func NewEnv() *Builder {
	return &Builder{
		users:  make(map[string]session.Identity),
		logger: DiscardLogger(),
	}
}

// WithUser registers token for identity on the backend.
func (b *Builder) WithUser(token string, identity session.Identity) *Builder {
	b.users[token] = identity
	return b
}

// WithServerConfig sets the realtime server configuration.
func (b *Builder) WithServerConfig(config *server.Config) *Builder {
	b.config = config
	return b
}

// WithLogger sets the logger for every component.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithServerOptions adds options for the realtime server.
func (b *Builder) WithServerOptions(opts ...server.Option) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// Start launches the environment and registers cleanup on t.
func (b *Builder) Start(t testing.TB) *Env {
	t.Helper()

	backend := NewBackend()
	for token, identity := range b.users {
		backend.AddUser(token, identity)
	}

	apiClient, err := api.NewClient(api.Config{BaseURL: backend.URL, Logger: b.logger})
	if err != nil {
		backend.Close()
		t.Fatalf("synctest: api client: %v", err)
	}

	opts := append([]server.Option{server.WithLogger(b.logger)}, b.opts...)
	srv := server.New(b.config, auth.NewAPIVerifier(apiClient), opts...)
	hs := httptest.NewServer(srv)

	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
		backend.Close()
	})

	return &Env{
		Backend: backend,
		Server:  srv,
		URL:     hs.URL,
		logger:  b.logger,
	}
}

// Logger returns the environment's logger.
func (e *Env) Logger() *slog.Logger {
	return e.logger
}

// APIClient returns a client for the fake backend.
func (e *Env) APIClient(t testing.TB) *api.Client {
	t.Helper()
	c, err := api.NewClient(api.Config{BaseURL: e.Backend.URL, Logger: e.logger})
	if err != nil {
		t.Fatalf("synctest: api client: %v", err)
	}
	return c
}

// WaitMembers waits until room has n members.
func (e *Env) WaitMembers(t testing.TB, room string, n int) {
	t.Helper()
	Eventually(t, room+" membership", func() bool {
		return len(e.Server.Router().Members(room)) == n
	})
}

// User returns an active identity named after id.
func User(id string, role session.Role) session.Identity {
	return session.Identity{ID: id, DisplayName: id, Role: role, Active: true}
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EventuallyTimeout bounds Eventually.
var EventuallyTimeout = 3 * time.Second

// Eventually polls cond until it holds or EventuallyTimeout passes.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(EventuallyTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
