// Package iisexpress runs an IIS Express server for the lifetime of a test
// harness: it reaps any server left behind by a previous run, launches a new
// one serving a web project on a port, records its PID, and tears it down on
// Close.
package iisexpress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/openrnd/iisharness/internal/events"
	"github.com/openrnd/iisharness/internal/faults"
	"github.com/openrnd/iisharness/internal/launcher"
	"github.com/openrnd/iisharness/internal/lifecycle"
	"github.com/openrnd/iisharness/internal/pidfile"
	"github.com/openrnd/iisharness/internal/terminator"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	minPort = 1
	maxPort = 65535

	tracerName = "github.com/openrnd/iisharness/iisexpress"
)

// Failure kinds returned by New, matched with errors.Is.
var (
	ErrConfiguration = faults.ErrConfiguration
	ErrNotFound      = faults.ErrNotFound
	ErrLaunch        = faults.ErrLaunch
	ErrRecord        = faults.ErrRecord
)

// Error is the typed failure carried by errors from New.
type Error = faults.Error

// State is the harness lifecycle phase.
type State = lifecycle.State

// Lifecycle phases reported by State.
const (
	StateUninitialized = lifecycle.Uninitialized
	StateValidating    = lifecycle.Validating
	StateLaunching     = lifecycle.Launching
	StateRunning       = lifecycle.Running
	StateTerminated    = lifecycle.Terminated
	StateFailed        = lifecycle.Failed
)

// ServerProcess is the running IIS Express child.
type ServerProcess interface {
	PID() int
	Running() bool
	Done() <-chan struct{}
	Wait() error
}

// Harness owns one launched IIS Express server.
type Harness struct {
	projectPath string
	port        int
	pidFile     string

	process    *launcher.Process
	terminator *terminator.Terminator
	machine    *lifecycle.Machine

	logger *log.Logger
	bus    events.Bus
	tracer trace.Tracer

	closeOnce sync.Once
}

// New validates the project and port, reaps a stale server recorded in the
// PID file, starts IIS Express and records the new PID. It returns only once
// the process has been spawned, not once it accepts connections. On failure
// no server started by this call is left running.
func New(ctx context.Context, projectPath string, serverPort int, opts ...Option) (*Harness, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := resolveOptions(opts)

	h := &Harness{
		port:    serverPort,
		pidFile: o.pidFile,
		machine: lifecycle.NewMachine(),
		logger:  o.logger.With("component", "iisexpress", "port", serverPort),
		bus:     o.bus,
		tracer:  o.tracer,
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer(tracerName)
	}

	ctx, span := h.tracer.Start(ctx, "iisexpress.start", trace.WithAttributes(
		attribute.String("project_path", projectPath),
		attribute.Int("port", serverPort),
		attribute.String("pid_file", o.pidFile),
	))
	defer span.End()

	if err := h.transition(ctx, lifecycle.Validating, "validate project and port"); err != nil {
		return nil, err
	}

	h.terminator = terminator.New(terminator.Options{
		GracePeriod:    o.gracePeriod,
		ForcedExitWait: o.forcedExitWait,
		Logger:         h.logger,
	})
	registry, err := pidfile.New(h.terminator, pidfile.Options{Fs: o.fs, Logger: h.logger})
	if err != nil {
		return nil, h.fail(ctx, span, faults.Configuration("create pid registry", err))
	}
	l, err := launcher.New(launcher.Options{
		Fs:              o.fs,
		ProgramFiles:    o.programFiles,
		ProgramFilesX86: o.programFilesX86,
		BaseDir:         o.baseDir,
		Stdout:          o.stdout,
		Stderr:          o.stderr,
		Logger:          h.logger,
	})
	if err != nil {
		return nil, h.fail(ctx, span, err)
	}
	arch, err := o.architecture()
	if err != nil {
		return nil, h.fail(ctx, span, err)
	}

	projectDir, err := l.ResolveTargetDirectory(projectPath)
	if err != nil {
		return nil, h.fail(ctx, span, err)
	}
	h.projectPath = projectDir
	if err := verifyMarker(o.fs, projectDir, o.markerFile); err != nil {
		return nil, h.fail(ctx, span, err)
	}
	if serverPort < minPort || serverPort > maxPort {
		return nil, h.fail(ctx, span, faults.Configuration(
			"validate port",
			fmt.Errorf("port %d outside %d-%d", serverPort, minPort, maxPort),
		))
	}

	reap := registry.KillByRecordedPID(ctx, o.pidFile, o.processName)
	span.SetAttributes(attribute.String("stale_pid.outcome", reap.Outcome.String()))

	if err := h.transition(ctx, lifecycle.Launching, "launch "+arch.String()+" server"); err != nil {
		return nil, err
	}

	exe, err := l.ResolveExecutablePath(arch)
	if err != nil {
		return nil, h.fail(ctx, span, err)
	}
	if err := l.VerifyExecutableExists(exe); err != nil {
		return nil, h.fail(ctx, span, err)
	}
	args, err := l.BuildArguments(projectDir, serverPort)
	if err != nil {
		return nil, h.fail(ctx, span, err)
	}
	proc, err := l.Start(exe, args)
	if err != nil {
		return nil, h.fail(ctx, span, err)
	}
	span.SetAttributes(attribute.Int("pid", proc.PID()))

	h.process = proc

	if err := registry.StorePID(o.pidFile, proc.PID()); err != nil {
		h.terminator.Terminate(context.WithoutCancel(ctx), proc)
		h.logger.Warn("terminated server after pid record failure", "pid", proc.PID(), "exited", !proc.Running())
		return nil, h.fail(ctx, span, err)
	}

	if err := h.transition(ctx, lifecycle.Running, "server started"); err != nil {
		h.terminator.Terminate(context.WithoutCancel(ctx), proc)
		return nil, err
	}
	h.publish(events.Event{
		Type: events.EventTypeServerStarted,
		PID:  proc.PID(),
		Payload: map[string]string{
			"project_path": projectDir,
			"executable":   exe,
			"arguments":    args,
		},
	})
	h.logger.Info("iis express running", "pid", proc.PID(), "project_path", projectDir)
	return h, nil
}

// Close terminates the server. It always returns nil and only the first call
// has any effect.
func (h *Harness) Close() error {
	if h == nil || h.machine == nil || h.logger == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		tracer := h.tracer
		if tracer == nil {
			tracer = otel.Tracer(tracerName)
		}
		ctx, span := tracer.Start(context.Background(), "iisexpress.close", trace.WithAttributes(
			attribute.Int("pid", h.PID()),
			attribute.Int("port", h.port),
		))
		defer span.End()

		h.terminator.Terminate(ctx, h.process)
		if err := h.transition(ctx, lifecycle.Terminated, "harness closed"); err != nil {
			h.logger.Warn("record termination failed", "err", err)
		}
		h.publish(events.Event{Type: events.EventTypeServerTerminated, PID: h.PID()})
		h.logger.Info("iis express terminated", "pid", h.PID())
	})
	return nil
}

// ProjectPath returns the absolute directory being served.
func (h *Harness) ProjectPath() string {
	if h == nil {
		return ""
	}
	return h.projectPath
}

// Port returns the port the server was started on.
func (h *Harness) Port() int {
	if h == nil {
		return 0
	}
	return h.port
}

// PIDFile returns the PID record path.
func (h *Harness) PIDFile() string {
	if h == nil {
		return ""
	}
	return h.pidFile
}

// Process returns the server child process.
func (h *Harness) Process() ServerProcess {
	if h == nil || h.process == nil {
		return nil
	}
	return h.process
}

// PID returns the server PID, or 0 when no server is owned.
func (h *Harness) PID() int {
	if h == nil {
		return 0
	}
	return h.process.PID()
}

// State returns the current lifecycle phase.
func (h *Harness) State() State {
	if h == nil {
		return lifecycle.Uninitialized
	}
	return h.machine.Current()
}

func (h *Harness) transition(ctx context.Context, next lifecycle.State, reason string) error {
	from := h.machine.Current()
	if err := h.machine.Transition(ctx, next, reason); err != nil {
		return fmt.Errorf("harness lifecycle: %w", err)
	}
	h.logger.Debug("harness state changed", "from", from, "to", next, "reason", reason)
	h.publish(events.Event{
		Type: events.EventTypeStateTransition,
		PID:  h.PID(),
		Payload: map[string]string{
			"from":   string(from),
			"to":     string(next),
			"reason": reason,
		},
	})
	return nil
}

func (h *Harness) fail(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if transitionErr := h.transition(ctx, lifecycle.Failed, err.Error()); transitionErr != nil {
		h.logger.Warn("record failure state failed", "err", transitionErr)
	}
	h.publish(events.Event{
		Type:     events.EventTypeLaunchFailed,
		PID:      h.PID(),
		Severity: events.SeverityError,
		Payload:  err.Error(),
	})
	h.logger.Error("iis express harness failed", "err", err)
	return err
}

func (h *Harness) publish(event events.Event) {
	if h.bus == nil {
		return
	}
	event.Port = h.port
	h.bus.Publish(event)
}

// verifyMarker checks for the marker in the resolved directory, the same path
// later passed to /path:, not in the caller's relative projectPath.
func verifyMarker(fs afero.Fs, projectDir, marker string) error {
	path := filepath.Join(projectDir, marker)
	info, err := fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return faults.Configuration("validate project", fmt.Errorf("%s not found in %s", marker, projectDir))
		}
		return faults.Configuration("validate project", fmt.Errorf("stat %s: %w", path, err))
	}
	if info.IsDir() {
		return faults.Configuration("validate project", fmt.Errorf("%s is a directory", path))
	}
	return nil
}
