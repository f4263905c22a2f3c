package main

import (
	"context"
	"fmt"
	"os"

	"fjacquet/sms-ledger/cmd/convert"
	"fjacquet/sms-ledger/cmd/ingest"
	"fjacquet/sms-ledger/cmd/rates"
	"fjacquet/sms-ledger/cmd/root"
	"fjacquet/sms-ledger/cmd/rules"
	"fjacquet/sms-ledger/cmd/serve"
	"fjacquet/sms-ledger/cmd/unrecognized"
	"fjacquet/sms-ledger/internal/config"
)

func init() {
	// Load .env before the configuration is read so SMSLEDGER_* variables apply
	config.LoadEnv(nil)

	root.Init()

	root.Cmd.AddCommand(ingest.Cmd)
	root.Cmd.AddCommand(rules.Cmd)
	root.Cmd.AddCommand(unrecognized.Cmd)
	root.Cmd.AddCommand(convert.Cmd)
	root.Cmd.AddCommand(rates.Cmd)
	root.Cmd.AddCommand(serve.Cmd)
}

func main() {
	if err := root.Cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
