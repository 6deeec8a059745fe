package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-dev/ordersync"
	"github.com/vango-dev/ordersync/internal/config"
	"github.com/vango-dev/ordersync/pkg/client"
	"github.com/vango-dev/ordersync/pkg/session"
)

// clientFlags are the config keys shared by the client commands.
var clientFlags = map[string]string{
	config.KeyClientAPIURL:    "api-url",
	config.KeyClientRealtime:  "realtime-url",
	config.KeyClientTransport: "transport",
	config.KeyClientToken:     "token",
	config.KeyClientTokenFile: "token-file",
}

var errNoToken = errors.New("no token: pass --token, set ORDERSYNC_CLIENT_TOKEN or log in once with --token-file")

func newClient(cfg *config.Config, logger *slog.Logger) (*ordersync.Client, error) {
	oc := ordersync.Config{
		APIURL:      cfg.Client.APIURL,
		RealtimeURL: cfg.Client.RealtimeURL,
		Transport:   cfg.Transport(),
		Logger:      logger,
	}
	if cfg.Client.TokenFile != "" {
		oc.Persister = session.NewFilePersister(cfg.Client.TokenFile)
	}
	return ordersync.New(oc)
}

// login logs c in with the configured token, or restores the persisted
// one.
func login(ctx context.Context, c *ordersync.Client, cfg *config.Config) (session.Identity, error) {
	if cfg.Client.Token != "" {
		return c.Login(ctx, cfg.Client.Token)
	}
	identity, ok, err := c.Restore(ctx)
	if err != nil {
		return session.Identity{}, err
	}
	if !ok {
		return session.Identity{}, errNoToken
	}
	return identity, nil
}

// waitConnected blocks until c's connection is up or timeout passes.
func waitConnected(ctx context.Context, c *ordersync.Client, timeout time.Duration) error {
	changed := make(chan struct{}, 1)
	unsubscribe := c.OnStateChange(func(client.Status) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		st := c.Status()
		switch {
		case st.State == client.StateConnected:
			return nil
		case st.Terminal || st.Stopped:
			return fmt.Errorf("connection closed (%s)", st.State)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("not connected after %s", timeout)
		}
	}
}
