// Package rules handles the rule management commands
package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fjacquet/sms-ledger/cmd/common"
	"fjacquet/sms-ledger/cmd/root"
	"fjacquet/sms-ledger/internal/container"
	"fjacquet/sms-ledger/internal/engine"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
)

var (
	force bool

	name        string
	priority    int
	conditions  []string
	category    string
	subcategory string
	merchant    string
	txType      string
	recurring   bool

	testSender string
)

// Cmd represents the rules command
var Cmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage classification rules",
	Long: `Manage the prioritized rules that classify messages.

Built-in template rules can be disabled but not deleted; reset reinstalls them
and removes every user rule.`,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			list, err := c.GetRules().List(ctx)
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), list)
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a user rule",
	Long: `Add a user rule. Conditions are field:operator:value triples, for example
  --when sender:equals:HDFCBANK --when "bodyMatchesPattern:matches:debited for {merchant} on {date}"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conds, err := parseConditions(conditions)
		if err != nil {
			return err
		}
		rule := models.Rule{
			Name:       name,
			Priority:   priority,
			Conditions: conds,
			Actions: models.Actions{
				SetCategory:        category,
				SetSubcategory:     subcategory,
				SetMerchant:        merchant,
				SetTransactionType: models.TransactionType(strings.ToUpper(txType)),
				MarkRecurring:      recurring,
			},
		}
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			created, err := c.GetRules().Create(ctx, rule)
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), []models.Rule{created})
		})
	},
}

func toggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
				rule, err := c.GetRules().SetEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				return printRules(cmd.OutOrStdout(), []models.Rule{rule})
			})
		},
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete a user rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			if err := c.GetRules().Delete(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted rule %s\n", args[0])
			return err
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all rules and reinstall the templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			report, err := c.GetRules().Reset(ctx, force)
			if err != nil {
				return fmt.Errorf("%w (pass --force to confirm)", err)
			}
			if root.JSONOutput {
				return common.PrintJSON(cmd.OutOrStdout(), report)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d rules, installed %d templates (version %d)\n",
				report.Removed, report.Installed, report.Version)
			return err
		})
	},
}

var testCmd = &cobra.Command{
	Use:   "test <body>",
	Short: "Show how a message would be classified, without recording anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := models.Message{Sender: testSender, Body: args[0]}
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			result, err := c.GetEngine().Match(ctx, msg)
			if err != nil {
				return err
			}
			return printMatch(cmd.OutOrStdout(), result)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the user rules to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			list, err := c.GetRules().List(ctx)
			if err != nil {
				return err
			}
			user := make([]models.Rule, 0, len(list))
			for _, r := range list {
				if !r.IsSystem {
					user = append(user, r)
				}
			}
			if err := (store.RuleFile{Path: args[0]}).Save(user); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %d rules to %s\n", len(user), args[0])
			return err
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add the rules of a YAML file as user rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := store.FindRuleFile(args[0])
		if err != nil {
			return fmt.Errorf("rules file %s: %w", args[0], err)
		}
		loaded, err := (store.RuleFile{Path: path}).Load()
		if err != nil {
			return err
		}
		return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
			created, err := c.GetRules().Import(ctx, loaded)
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), created)
		})
	},
}

func init() {
	addCmd.Flags().StringVarP(&name, "name", "n", "", "Rule name")
	addCmd.Flags().IntVarP(&priority, "priority", "p", 500, "Priority, lower runs first")
	addCmd.Flags().StringArrayVarP(&conditions, "when", "w", nil, "Condition field:operator:value (repeatable)")
	addCmd.Flags().StringVarP(&category, "category", "c", "", "Category to assign")
	addCmd.Flags().StringVar(&subcategory, "subcategory", "", "Subcategory to assign")
	addCmd.Flags().StringVarP(&merchant, "merchant", "m", "", "Merchant to assign")
	addCmd.Flags().StringVarP(&txType, "type", "t", "", "Transaction type to assign (EXPENSE, INCOME, TRANSFER)")
	addCmd.Flags().BoolVar(&recurring, "recurring", false, "Mark matches as recurring")
	_ = addCmd.MarkFlagRequired("name")
	_ = addCmd.MarkFlagRequired("when")

	resetCmd.Flags().BoolVar(&force, "force", false, "Confirm deleting every rule, user rules included")
	testCmd.Flags().StringVarP(&testSender, "sender", "s", "", "Sender of the message")

	Cmd.AddCommand(listCmd, addCmd, toggleCmd("enable", true), toggleCmd("disable", false),
		deleteCmd, resetCmd, testCmd, exportCmd, importCmd)
}

// parseConditions reads field:operator:value triples. The value may contain
// colons.
func parseConditions(raw []string) ([]models.Condition, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one --when condition is required")
	}
	out := make([]models.Condition, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("condition %q is not field:operator:value", r)
		}
		out = append(out, models.Condition{
			Field:    models.ConditionField(strings.TrimSpace(parts[0])),
			Operator: models.Operator(strings.TrimSpace(parts[1])),
			Value:    parts[2],
		})
	}
	return out, nil
}

func printRules(w io.Writer, list []models.Rule) error {
	if root.JSONOutput {
		return common.PrintJSON(w, list)
	}
	t := common.NewTable(w, "ID", "PRIORITY", "ENABLED", "KIND", "NAME", "CATEGORY")
	for _, r := range list {
		kind := "user"
		if r.IsSystem {
			kind = "template"
		}
		t.Row(r.ID, strconv.Itoa(r.Priority), strconv.FormatBool(r.IsEnabled), kind, r.Name, r.Actions.SetCategory)
	}
	return t.Flush()
}

func printMatch(w io.Writer, r engine.MatchResult) error {
	if root.JSONOutput {
		return common.PrintJSON(w, r)
	}
	if !r.Matched() {
		_, err := fmt.Fprintf(w, "no match (%s)\n", r.Reason)
		return err
	}
	d := r.Draft
	_, err := fmt.Fprintf(w, "rule:     %s\ncategory: %s / %s\nmerchant: %s\namount:   %s %s\ntype:     %s\n",
		r.RuleID, d.Category, d.Subcategory, d.Merchant, d.Amount.String(), d.Currency, d.TransactionType)
	return err
}
