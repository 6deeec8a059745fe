// Package ordersync assembles the realtime order synchronization layer for
// UI code: a session store, the backend API client, a connection manager
// that follows the session, and the mutate-then-notify gateway.
//
// A Client owns one session and at most one realtime connection. Logging in
// opens the connection and announces the user; logging out, or any 401
// from the backend or the realtime handshake, closes it and clears the
// session exactly once.
//
//	c, err := ordersync.New(ordersync.Config{APIURL: "http://localhost:5000"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close(context.Background())
//
//	if _, err := c.Login(ctx, token); err != nil {
//	    return err
//	}
//	c.OnOrderStatus(func(ev protocol.OrderStatusEvent) {
//	    board.Update(ev.OrderID, ev.Status)
//	})
//	res, err := c.UpdateOrderStatus(ctx, "o-17", "ready")
package ordersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-dev/ordersync/pkg/api"
	"github.com/vango-dev/ordersync/pkg/client"
	"github.com/vango-dev/ordersync/pkg/gateway"
	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/syncerr"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("ordersync: client closed")

// Client is the assembled sync layer.
type Client struct {
	store     *session.Store
	api       *api.Client
	manager   *client.Manager
	gateway   *gateway.Gateway
	persister session.Persister
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New assembles a Client and starts following its session.
func New(config Config) (*Client, error) {
	if _, ok := ParseTransport(string(config.Transport)); !ok {
		return nil, fmt.Errorf("ordersync: unknown transport %q", config.Transport)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	apiClient, err := api.NewClient(api.Config{
		BaseURL:    config.APIURL,
		HTTPClient: config.HTTPClient,
		Logger:     logger,
		Tracer:     config.Tracer,
	})
	if err != nil {
		return nil, err
	}

	storeOpts := []session.StoreOption{session.WithLogger(logger)}
	if config.Persister != nil {
		storeOpts = append(storeOpts, session.WithPersister(config.Persister))
	}
	store := session.NewStore(storeOpts...)

	endpoint := config.RealtimeURL
	if endpoint == "" {
		endpoint = config.APIURL
	}
	manager := client.NewManager(store, config.dialer(), endpoint, config.Connection,
		client.WithLogger(logger),
		client.WithMetrics(config.Metrics))

	gw := gateway.New(store, apiClient, manager,
		gateway.WithLogger(logger),
		gateway.WithMetrics(config.Metrics),
		gateway.WithTracer(config.Tracer))

	c := &Client{
		store:     store,
		api:       apiClient,
		manager:   manager,
		gateway:   gw,
		persister: config.Persister,
		logger:    logger.With("component", "ordersync"),
	}
	manager.Start()
	return c, nil
}

// Login validates token against the identity endpoint and, on success,
// installs the session. The realtime connection follows.
func (c *Client) Login(ctx context.Context, token string) (session.Identity, error) {
	if c.isClosed() {
		return session.Identity{}, ErrClosed
	}
	identity, err := c.api.Me(ctx, token)
	if err != nil {
		return session.Identity{}, err
	}
	if !c.store.Set(token, identity) {
		return session.Identity{}, syncerr.New(syncerr.KindRequestFailed, "ordersync.Login").
			WithMessage("identity response is not usable")
	}
	c.logger.Info("logged in",
		"user_id", identity.ID,
		"role", identity.Role.String())
	return identity, nil
}

// Restore logs in with the persisted token, if any. It reports whether a
// session was restored. A persisted token the backend rejects is deleted.
func (c *Client) Restore(ctx context.Context) (session.Identity, bool, error) {
	token, err := c.store.PersistedToken(ctx)
	if err != nil {
		return session.Identity{}, false, fmt.Errorf("ordersync: load token: %w", err)
	}
	if token == "" {
		return session.Identity{}, false, nil
	}

	identity, err := c.Login(ctx, token)
	if err != nil {
		if syncerr.IsSessionExpired(err) && c.persister != nil {
			if derr := c.persister.Delete(ctx); derr != nil {
				c.logger.Error("delete rejected token failed", "error", derr)
			}
		}
		return session.Identity{}, false, err
	}
	return identity, true, nil
}

// Logout clears the session. The connection announces the disconnect and
// closes; it is not re-established until the next login.
func (c *Client) Logout() {
	if user := c.store.Current().UserID(); user != "" {
		c.logger.Info("logging out", "user_id", user)
	}
	c.store.Clear()
}

// UpdateOrderStatus changes an order's status through the backend and
// then notifies connected peers.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID, status string) (gateway.Result, error) {
	if c.isClosed() {
		return gateway.Result{}, ErrClosed
	}
	return c.gateway.MutateAndNotify(ctx, orderID, status)
}

// OnOrderStatus registers fn for order status updates from peers.
func (c *Client) OnOrderStatus(fn func(protocol.OrderStatusEvent)) (unsubscribe func()) {
	return c.manager.OnOrderStatus(fn)
}

// OnStateChange registers fn for connection status changes.
func (c *Client) OnStateChange(fn func(client.Status)) (unsubscribe func()) {
	return c.manager.OnStateChange(fn)
}

// OnSessionChange registers fn for session transitions.
func (c *Client) OnSessionChange(fn func(session.Change)) (unsubscribe func()) {
	return c.store.Subscribe(fn)
}

// Session returns the current session.
func (c *Client) Session() session.Session {
	return c.store.Current()
}

// Status returns the connection status.
func (c *Client) Status() client.Status {
	return c.manager.Status()
}

// Reconnect restarts a connection that gave up retrying.
func (c *Client) Reconnect() error {
	return c.manager.Reconnect()
}

// Store returns the session store.
func (c *Client) Store() *session.Store {
	return c.store
}

// Manager returns the connection manager.
func (c *Client) Manager() *client.Manager {
	return c.manager
}

// Close disconnects and stops following the session. The session itself
// (and any persisted token) is kept.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.manager.Close(ctx)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
