// Package serve handles the serve command
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fjacquet/sms-ledger/cmd/root"
	"fjacquet/sms-ledger/internal/api"
	"fjacquet/sms-ledger/internal/container"
)

var address string

// Cmd represents the serve command
var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled rate refresh",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			cfg := c.GetConfig().Server
			if address != "" {
				cfg.Address = address
			}
			c.StartBackground()
			router := api.NewRouter(c.APIServices(), c.GetLogger())
			return api.Serve(ctx, router, api.ServerOptions{
				Address:      cfg.Address,
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
			}, c.GetLogger())
		})
	},
}

func init() {
	Cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (default: server.address)")
}
