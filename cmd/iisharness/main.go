package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/openrnd/iisharness/internal/config"
	"github.com/openrnd/iisharness/internal/logging"
	"github.com/openrnd/iisharness/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithRunID(uuid.NewString()), logging.WithLevel(cfg.Level()))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	telemetry.ServiceVersion = Version
	shutdown, err := telemetry.Init(ctx, telemetry.Options{Endpoint: cfg.OTELEndpoint})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "iisharness",
		Short:         "Run IIS Express for integration test sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	var pidFile string
	root.PersistentFlags().StringVar(&pidFile, "pid-file", "", "PID record path (overrides pid_file)")

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newStartCommand(cfg, logger),
		newStopCommand(cfg, logger),
		newStatusCommand(cfg),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if pidFile != "" {
			cfg.PIDFile = pidFile
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}
