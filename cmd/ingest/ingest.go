// Package ingest handles the ingest command
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"fjacquet/sms-ledger/cmd/common"
	"fjacquet/sms-ledger/cmd/root"
	"fjacquet/sms-ledger/internal/container"
	"fjacquet/sms-ledger/internal/dateutils"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/pipeline"
	"fjacquet/sms-ledger/internal/scanner"
	"fjacquet/sms-ledger/internal/source"
)

var (
	format     string
	delimiter  string
	sender     string
	body       string
	receivedAt string
)

// Cmd represents the ingest command
var Cmd = &cobra.Command{
	Use:   "ingest [file|dir...]",
	Short: "Ingest SMS notifications from exports or the command line",
	Long: `Ingest classifies messages and stores a transaction for each recognized one.
Messages no rule or merchant mapping recognizes are queued for triage.
Re-ingesting a message is a no-op. Directories are searched recursively for
.csv and .xml exports.

Examples:
  sms-ledger ingest inbox.xml
  sms-ledger ingest --format csv export.txt
  sms-ledger ingest --sender HDFCBANK --body "Rs.450.00 debited for SWIGGY on 12-01"`,
	RunE: ingestFunc,
}

func init() {
	Cmd.Flags().StringVarP(&format, "format", "f", "", "Export format: csv or xml (default: from the file extension)")
	Cmd.Flags().StringVar(&delimiter, "delimiter", ",", "CSV field delimiter")
	Cmd.Flags().StringVarP(&sender, "sender", "s", "", "Sender of a single message")
	Cmd.Flags().StringVarP(&body, "body", "b", "", "Body of a single message")
	Cmd.Flags().StringVar(&receivedAt, "received-at", "", "Receive time of a single message (RFC 3339, '2006-01-02 15:04:05' or epoch ms)")
	Cmd.MarkFlagsRequiredTogether("sender", "body")
}

func ingestFunc(cmd *cobra.Command, args []string) error {
	single := sender != "" || body != ""
	if single == (len(args) > 0) {
		return errors.New("pass either export files or --sender and --body")
	}

	msgs, err := readMessages(args)
	if err != nil {
		return err
	}

	return root.WithContainer(cmd, func(ctx context.Context, c *container.Container) error {
		if single {
			outcome, err := c.GetPipeline().Ingest(ctx, msgs[0])
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), outcome)
		}
		report := c.GetPipeline().IngestBatch(ctx, msgs)
		if err := printReport(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d messages failed", report.Failed, report.Total())
		}
		return nil
	})
}

func readMessages(paths []string) ([]models.Message, error) {
	if len(paths) == 0 {
		msg := models.Message{Sender: sender, Body: body}
		if receivedAt != "" {
			at, err := dateutils.ParseTimestamp(receivedAt, time.Local)
			if err != nil {
				return nil, err
			}
			msg.ReceivedAt = at
		}
		return []models.Message{msg}, nil
	}

	opts := source.Options{Location: time.Local}
	if delimiter != "" {
		opts.Delimiter = []rune(delimiter)[0]
	}
	var fmtName source.Format
	if format != "" {
		f, err := source.ParseFormat(format)
		if err != nil {
			return nil, err
		}
		fmtName = f
	}

	files, err := scanner.NewExportScanner(root.Log).ScanPaths(paths)
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	for _, file := range files {
		read, err := source.ReadFile(file, fmtName, opts, root.Log)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, read...)
	}
	root.Log.Info("Messages loaded",
		logging.F(logging.FieldCount, len(msgs)),
		logging.F("files", len(files)))
	return msgs, nil
}

func printOutcome(w io.Writer, o pipeline.Outcome) error {
	if root.JSONOutput {
		return common.PrintJSON(w, o)
	}
	switch o.Kind {
	case pipeline.KindTransactionCreated:
		_, err := fmt.Fprintf(w, "created transaction %s (rule %s)\n", o.TransactionID, o.RuleID)
		return err
	case pipeline.KindQueuedUnrecognized:
		_, err := fmt.Fprintf(w, "queued for triage as %s (%s)\n", o.EntryID, o.Reason)
		return err
	default:
		_, err := fmt.Fprintf(w, "skipped duplicate %s\n", o.Fingerprint)
		return err
	}
}

func printReport(w io.Writer, r pipeline.BatchReport) error {
	if root.JSONOutput {
		return common.PrintJSON(w, r)
	}
	if _, err := fmt.Fprintf(w, "%d messages: %d created, %d duplicate, %d queued, %d failed\n",
		r.Total(), r.Created, r.Duplicate, r.Queued, r.Failed); err != nil {
		return err
	}
	for _, e := range r.Errors {
		if _, err := fmt.Fprintf(w, "  #%d %s: %s\n", e.Index+1, e.Fingerprint, e.Error); err != nil {
			return err
		}
	}
	return nil
}
