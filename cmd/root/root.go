// Package root contains the root command for the application
package root

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"fjacquet/sms-ledger/internal/config"
	"fjacquet/sms-ledger/internal/container"
	"fjacquet/sms-ledger/internal/logging"
)

var (
	// Log is the shared logger instance for commands
	Log logging.Logger = logging.NewLogrusAdapter("info", "text")

	// AppConfig is the configuration loaded before any subcommand runs
	AppConfig *config.Config

	// Cmd is the root command
	Cmd = &cobra.Command{
		Use:   "sms-ledger",
		Short: "Turn bank and wallet SMS notifications into a categorized ledger.",
		Long: `sms-ledger classifies transactional SMS notifications with prioritized rules
and learned merchant mappings, normalizes amounts to a base currency and keeps
anything it cannot classify in a triage queue for review.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	// ConfigFile is the --config flag
	ConfigFile string
	// LogLevel overrides log.level when set
	LogLevel string
	// JSONOutput switches command output to JSON
	JSONOutput bool
)

// Init initializes the root command and all flags
func Init() {
	Cmd.PersistentFlags().StringVar(&ConfigFile, "config", "", "Config file (default is $HOME/.sms-ledger/config.yaml)")
	Cmd.PersistentFlags().StringVar(&LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	Cmd.PersistentFlags().BoolVar(&JSONOutput, "json", false, "Print results as JSON")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	config.LoadEnv(Log)

	cfg, err := config.InitializeConfigFromFile(ConfigFile)
	if err != nil {
		return err
	}
	if LogLevel != "" {
		cfg.Log.Level = strings.ToLower(LogLevel)
	}
	AppConfig = cfg
	Log = logging.NewLogrusAdapterFromLogger(config.ConfigureLoggingFromConfig(cfg))
	return nil
}

// NewContainer wires the application from the loaded configuration.
func NewContainer(ctx context.Context) (*container.Container, error) {
	cfg := AppConfig
	if cfg == nil {
		cfg = config.Default()
	}
	return container.NewContainer(ctx, cfg, container.WithLogger(Log))
}

// WithContainer runs fn with a container that is closed afterwards.
func WithContainer(cmd *cobra.Command, fn func(ctx context.Context, c *container.Container) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := NewContainer(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			Log.WithError(err).Warn("Failed to close container")
		}
	}()
	return fn(ctx, c)
}
