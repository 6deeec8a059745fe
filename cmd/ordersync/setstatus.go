package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/ordersync/pkg/syncerr"
)

func setStatusCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "set-status <order-id> <status>",
		Short: "Change an order's status and notify peers",
		Long: `Change an order's status through the backend, then publish the update
to connected staff. The change is saved even when the realtime connection
is not up within --wait; peers are then not notified.`,
		Example: `  ordersync set-status o-17 ready --token $TOKEN`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, status := args[0], args[1]

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

			ctx := cmd.Context()
			if _, err := login(ctx, c, cfg); err != nil {
				return userError(err)
			}
			if err := waitConnected(ctx, c, wait); err != nil {
				logger.Warn("realtime connection unavailable", "error", err)
			}

			res, err := c.UpdateOrderStatus(ctx, orderID, status)
			if err != nil {
				logger.Debug("update failed", "order_id", orderID, "error", err)
				return userError(err)
			}

			out := cmd.OutOrStdout()
			if res.Notified {
				fmt.Fprintf(out, "order %s is now %s (peers notified)\n", orderID, status)
			} else {
				fmt.Fprintf(out, "order %s is now %s (peers not notified)\n", orderID, status)
			}
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the realtime connection")

	return cmd
}

// userError replaces coded errors with their user-facing message.
func userError(err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%s [%s]", syncerr.UserMessage(err), se.Code)
	}
	return err
}
