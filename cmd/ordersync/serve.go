package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vango-dev/ordersync/internal/config"
	"github.com/vango-dev/ordersync/pkg/api"
	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/server"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime server",
		Long: `Run the realtime server.

Handshake tokens are verified as HS256 JWTs signed with auth.jwt_secret,
or, when --identity-url is set, against the backend's /api/auth/me.
Order status updates are fanned out according to the built-in policy or
the YAML file given with --policy.`,
		Example: `  ORDERSYNC_AUTH_JWT_SECRET=dev ordersync serve --addr :8080
  ordersync serve --identity-url http://localhost:5000 --policy fanout.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, map[string]string{
				config.KeyServerAddress:  "addr",
				config.KeyServerPolicy:   "policy",
				config.KeyServerIdentity: "identity-url",
				config.KeyMetricsEnabled: "metrics",
			})
			if err != nil {
				return err
			}

			srv, err := buildServer(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringP("addr", "a", ":8080", "listen address")
	cmd.Flags().String("policy", "", "fan-out policy file")
	cmd.Flags().String("identity-url", "", "verify tokens against this backend instead of as JWTs")
	cmd.Flags().Bool("metrics", true, "serve Prometheus metrics on /metrics")

	return cmd
}

func buildServer(cfg *config.Config, logger *slog.Logger) (*server.Server, error) {
	sc, err := cfg.ServerConfig()
	if err != nil {
		return nil, err
	}
	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := telemetry.NewMetrics(
			telemetry.WithNamespace(cfg.Metrics.Namespace),
			telemetry.WithRegistry(registry),
		)
		opts = append(opts, server.WithMetrics(metrics), server.WithGatherer(registry))
	}
	return server.New(sc, verifier, opts...), nil
}

func newVerifier(cfg *config.Config, logger *slog.Logger) (auth.Verifier, error) {
	if cfg.Server.IdentityURL != "" {
		client, err := api.NewClient(api.Config{
			BaseURL: cfg.Server.IdentityURL,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("identity client: %w", err)
		}
		logger.Info("verifying handshakes against backend", "identity_url", cfg.Server.IdentityURL)
		return auth.NewAPIVerifier(client), nil
	}

	jc, err := cfg.JWTConfig()
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewJWTVerifier(jc)
	if err != nil {
		return nil, err
	}
	return verifier, nil
}
