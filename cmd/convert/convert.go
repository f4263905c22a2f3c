// Package convert handles the convert command
package convert

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fjacquet/sms-ledger/cmd/common"
	"fjacquet/sms-ledger/cmd/root"
	"fjacquet/sms-ledger/internal/container"
	"fjacquet/sms-ledger/internal/models"
)

// Cmd represents the convert command
var Cmd = &cobra.Command{
	Use:   "convert <amount> <from> [to]",
	Short: "Convert an amount between currencies",
	Long: `Convert an amount using the cached exchange rates. The target defaults to
the base currency. Stale or static rates are flagged.

Example:
  sms-ledger convert 12.50 USD INR`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[0], err)
		}
		from := strings.ToUpper(args[1])
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			to := c.GetConverter().Base()
			if len(args) == 3 {
				to = strings.ToUpper(args[2])
			}
			source := models.NewMoney(amount, from)
			target, conv, err := c.GetConverter().ConvertMoney(ctx, source, to)
			if err != nil {
				return err
			}
			if root.JSONOutput {
				return common.PrintJSON(cmd.OutOrStdout(), conv)
			}
			note := ""
			if conv.Stale {
				note = " (stale)"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s at %s [%s]%s\n",
				source, target, conv.Rate.String(), conv.Source, note)
			return err
		})
	},
}
