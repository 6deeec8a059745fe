package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vango-dev/ordersync/internal/config"
	"github.com/vango-dev/ordersync/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ordersync",
		Short: "Realtime order status sync for restaurant staff",
		Long: `ordersync keeps kitchen, floor and management screens in step.

It runs the realtime server that fans order status updates out to
role rooms, and includes client commands to watch and publish updates
against a running backend:

  • serve       run the realtime server
  • watch       log in and print order updates as they arrive
  • set-status  change an order's status and notify peers
  • token       mint a development access token`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: "+logging.LevelNames())
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	rootCmd.AddCommand(
		serveCmd(),
		watchCmd(),
		setStatusCmd(),
		tokenCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig loads configuration for cmd. flags maps config keys to flag
// names on cmd; the global log flags are always bound.
func loadConfig(cmd *cobra.Command, flags map[string]string) (*config.Config, *slog.Logger, error) {
	bound := map[string]*pflag.Flag{
		config.KeyLogLevel:  cmd.Flags().Lookup("log-level"),
		config.KeyLogFormat: cmd.Flags().Lookup("log-format"),
	}
	for key, name := range flags {
		bound[key] = cmd.Flags().Lookup(name)
	}

	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file, bound)
	if err != nil {
		return nil, nil, err
	}

	opts := cfg.Logging()
	opts.Output = cmd.ErrOrStderr()
	logger, err := logging.Setup(opts)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
