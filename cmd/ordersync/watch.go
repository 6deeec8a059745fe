package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/ordersync/pkg/client"
	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
)

func watchCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print order status updates as they arrive",
		Long: `Log in and print every order status update delivered to this user's
rooms until interrupted. The command exits when the session expires.`,
		Example: `  ordersync watch --token $TOKEN
  ordersync watch --token-file ~/.ordersync/token --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, clientFlags)
			if err != nil {
				return err
			}

			c, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				c.Close(ctx)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			c.OnOrderStatus(func(ev protocol.OrderStatusEvent) {
				if asJSON {
					enc.Encode(ev)
					return
				}
				fmt.Fprintf(out, "%s  order %-12s %-12s by %s\n",
					ev.EmittedAt.Local().Format(time.TimeOnly), ev.OrderID, ev.Status, ev.EmittedBy)
			})
			c.OnStateChange(func(st client.Status) {
				logger.Info("connection",
					"state", st.State.String(),
					"transport", st.Transport,
					"degraded", st.Degraded)
			})

			expired := make(chan struct{})
			var once sync.Once
			c.OnSessionChange(func(ch session.Change) {
				if ch.Kind == session.ChangeLogout {
					once.Do(func() { close(expired) })
				}
			})

			identity, err := login(ctx, c, cfg)
			if err != nil {
				return err
			}
			logger.Info("watching", "user_id", identity.ID, "role", identity.Role.String())

			select {
			case <-ctx.Done():
				return nil
			case <-expired:
				return errors.New("session expired, log in again")
			}
		},
	}

	addClientFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")

	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("api-url", "http://localhost:5000", "backend API origin")
	cmd.Flags().String("realtime-url", "", "realtime server origin (default: api-url)")
	cmd.Flags().String("transport", "auto", "transport: auto, websocket or polling")
	cmd.Flags().String("token", "", "access token")
	cmd.Flags().String("token-file", "", "file that keeps the token between runs")
}
