package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/openrnd/iisharness/iisexpress"
	"github.com/openrnd/iisharness/internal/config"
	"github.com/openrnd/iisharness/internal/launcher"
	"github.com/openrnd/iisharness/internal/pidfile"
	"github.com/openrnd/iisharness/internal/terminator"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
)

type startFlags struct {
	project string
	port    int
	arch    string
	quiet   bool
}

func newStartCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	flags := startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch IIS Express and hold it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, logger, flags)
		},
	}
	cmd.Flags().StringVar(&flags.project, "project", "", "web project directory containing Web.config")
	cmd.Flags().IntVar(&flags.port, "port", 0, "port to serve on")
	cmd.Flags().StringVar(&flags.arch, "arch", "", "IIS Express build to run: x86 or x64 (overrides architecture)")
	cmd.Flags().BoolVar(&flags.quiet, "quiet", false, "discard IIS Express console output")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

func runStart(ctx context.Context, out, errOut io.Writer, cfg *config.Config, logger *log.Logger, flags startFlags) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	opts := []iisexpress.Option{
		iisexpress.WithConfig(cfg),
		iisexpress.WithLogger(logger),
		iisexpress.WithBaseDir(cwd),
	}
	if flags.arch != "" {
		arch, err := launcher.ParseArchitecture(flags.arch)
		if err != nil {
			return err
		}
		opts = append(opts, iisexpress.WithArchitecture(arch))
	}
	if !flags.quiet {
		opts = append(opts, iisexpress.WithOutput(out, errOut))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := iisexpress.New(ctx, flags.project, flags.port, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	if _, err := fmt.Fprintf(out, "IIS Express running (pid %d) serving %s on port %d\n", h.PID(), h.ProjectPath(), h.Port()); err != nil {
		return fmt.Errorf("write start output: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested", "pid", h.PID())
		return nil
	case <-h.Process().Done():
		return fmt.Errorf("iis express exited unexpectedly: %w", processExitErr(h.Process()))
	}
}

func processExitErr(proc iisexpress.ServerProcess) error {
	if err := proc.Wait(); err != nil {
		return err
	}
	return errors.New("exit status 0")
}

func newStopCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Terminate the server named in the PID record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
		},
	}
}

func runStop(ctx context.Context, out io.Writer, cfg *config.Config, logger *log.Logger) error {
	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}

	reap := registry.KillByRecordedPID(ctx, cfg.PIDFile, cfg.ProcessName)
	switch reap.Outcome {
	case pidfile.OutcomeNoRecord:
		_, err = fmt.Fprintf(out, "no server recorded in %s\n", cfg.PIDFile)
	case pidfile.OutcomeUnreadable:
		_, err = fmt.Fprintf(out, "cleared unreadable record %s\n", cfg.PIDFile)
	case pidfile.OutcomeExited:
		_, err = fmt.Fprintf(out, "pid %d already exited; cleared record\n", reap.PID)
	case pidfile.OutcomeMismatch:
		_, err = fmt.Fprintf(out, "left pid %d running: process %q is not %s; cleared record\n", reap.PID, reap.ProcessName, cfg.ProcessName)
	case pidfile.OutcomeTerminated:
		_, err = fmt.Fprintf(out, "stopped pid %d\n", reap.PID)
	default:
		return fmt.Errorf("stop pid %d (%s, record cleared): %w", reap.PID, reap.Outcome, reap.Err)
	}
	return err
}

func newStatusCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the recorded server PID and whether it is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func runStatus(ctx context.Context, out io.Writer, cfg *config.Config) error {
	registry, err := newRegistry(cfg, nil)
	if err != nil {
		return err
	}
	pid, err := registry.ReadPID(cfg.PIDFile)
	if errors.Is(err, pidfile.ErrNoRecord) {
		_, writeErr := fmt.Fprintf(out, "no server recorded in %s\n", cfg.PIDFile)
		return writeErr
	}
	if err != nil {
		return err
	}

	state := "not running"
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("check pid %d: %w", pid, err)
	}
	if alive {
		state = "running"
	}
	_, err = fmt.Fprintf(out, "pid %d %s\n", pid, state)
	return err
}

func newRegistry(cfg *config.Config, logger *log.Logger) (*pidfile.Registry, error) {
	term := terminator.New(terminator.Options{
		GracePeriod:    cfg.TerminationGrace,
		ForcedExitWait: cfg.ForcedExitWait,
		Logger:         logger,
	})
	return pidfile.New(term, pidfile.Options{Logger: logger})
}
