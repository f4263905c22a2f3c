// Package unrecognized handles the triage queue commands
package unrecognized

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fjacquet/sms-ledger/cmd/common"
	"fjacquet/sms-ledger/cmd/root"
	"fjacquet/sms-ledger/internal/container"
	"fjacquet/sms-ledger/internal/models"
	queue "fjacquet/sms-ledger/internal/unrecognized"
)

var (
	state string

	category    string
	subcategory string
	createRule  bool
	merchant    string
	amount      string
	currency    string
	txType      string
)

// Cmd represents the unrecognized command
var Cmd = &cobra.Command{
	Use:     "unrecognized",
	Aliases: []string{"triage"},
	Short:   "Review messages no rule recognized",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := models.ResolutionState(state)
		if state == "all" {
			filter = ""
		}
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			entries, err := c.GetQueue().List(ctx, filter)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <entry-id>",
	Short: "Categorize a queued message and store its transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := queue.Resolution{
			Category:    category,
			Subcategory: subcategory,
			CreateRule:  createRule,
			Merchant:    merchant,
			Currency:    strings.ToUpper(currency),
			Type:        models.TransactionType(strings.ToUpper(txType)),
		}
		if amount != "" {
			a, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			res.Amount = &a
		}
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			resolved, err := c.GetQueue().ResolveWith(ctx, args[0], res)
			if err != nil {
				return err
			}
			if root.JSONOutput {
				return common.PrintJSON(cmd.OutOrStdout(), resolved)
			}
			txn := resolved.Transaction
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "created transaction %s: %s, %s\n", txn.ID, formatAmount(txn), txn.Category); err != nil {
				return err
			}
			if resolved.Rule != nil {
				_, err = fmt.Fprintf(out, "created rule %s (%s)\n", resolved.Rule.ID, resolved.Rule.Name)
			}
			return err
		})
	},
}

var ignoreCmd = &cobra.Command{
	Use:   "ignore <entry-id>",
	Short: "Dismiss a queued message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			entry, err := c.GetQueue().Ignore(ctx, args[0])
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), []models.UnrecognizedMessage{entry})
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&state, "state", string(models.StatePending), "pending, resolved, ignored or all")

	resolveCmd.Flags().StringVarP(&category, "category", "c", "", "Category of the transaction")
	resolveCmd.Flags().StringVar(&subcategory, "subcategory", "", "Subcategory of the transaction")
	resolveCmd.Flags().BoolVar(&createRule, "create-rule", false, "Also add a rule matching similar messages from this sender")
	resolveCmd.Flags().StringVarP(&merchant, "merchant", "m", "", "Merchant, when it cannot be read from the message")
	resolveCmd.Flags().StringVarP(&amount, "amount", "a", "", "Amount, when it cannot be read from the message")
	resolveCmd.Flags().StringVar(&currency, "currency", "", "Currency of --amount")
	resolveCmd.Flags().StringVarP(&txType, "type", "t", "", "Transaction type (EXPENSE, INCOME, TRANSFER)")
	_ = resolveCmd.MarkFlagRequired("category")

	Cmd.AddCommand(listCmd, resolveCmd, ignoreCmd)
}

// formatAmount shows the amount and, for foreign currencies, its normalized
// snapshot.
func formatAmount(txn models.Transaction) string {
	amount := txn.Money().String()
	switch {
	case txn.Currency == txn.BaseCurrency:
		return amount
	case txn.RateStale && txn.Normalized().IsZero():
		return amount + " (no rate)"
	default:
		return amount + " = " + txn.Normalized().String()
	}
}

func printEntries(w io.Writer, entries []models.UnrecognizedMessage) error {
	if root.JSONOutput {
		return common.PrintJSON(w, entries)
	}
	t := common.NewTable(w, "ID", "STATE", "REASON", "SENDER", "RECEIVED", "TEXT")
	for _, e := range entries {
		received := ""
		if !e.ReceivedAt.IsZero() {
			received = e.ReceivedAt.Format("2006-01-02 15:04")
		}
		t.Row(e.ID, string(e.State), e.Reason, e.Sender, received, common.Truncate(e.RawText, 60))
	}
	return t.Flush()
}
