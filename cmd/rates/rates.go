// Package rates handles the exchange-rate commands
package rates

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"fjacquet/sms-ledger/cmd/common"
	"fjacquet/sms-ledger/cmd/root"
	"fjacquet/sms-ledger/internal/container"
	"fjacquet/sms-ledger/internal/models"
)

// Cmd represents the rates command
var Cmd = &cobra.Command{
	Use:   "rates",
	Short: "Inspect and refresh cached exchange rates",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached exchange rates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			return printEntries(cmd.OutOrStdout(), c.GetRates().Entries())
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch every cached pair from the rate provider now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			err := c.GetRates().RefreshAll(ctx)
			if perr := printEntries(cmd.OutOrStdout(), c.GetRates().Entries()); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() {
	Cmd.AddCommand(listCmd, refreshCmd)
}

func printEntries(w io.Writer, entries []models.ExchangeRateEntry) error {
	if root.JSONOutput {
		return common.PrintJSON(w, entries)
	}
	t := common.NewTable(w, "PAIR", "RATE", "FETCHED", "SOURCE", "ERROR")
	for _, e := range entries {
		t.Row(e.Pair().String(), e.Rate.String(), e.FetchedAt.Format("2006-01-02 15:04:05"), e.Source, e.LastError)
	}
	return t.Flush()
}
