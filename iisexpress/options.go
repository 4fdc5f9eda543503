package iisexpress

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openrnd/iisharness/internal/config"
	"github.com/openrnd/iisharness/internal/events"
	"github.com/openrnd/iisharness/internal/launcher"
	"github.com/openrnd/iisharness/internal/pidfile"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMarkerFile must exist in the project directory.
	DefaultMarkerFile = "Web.config"
	// DefaultProcessName is the executable name a recorded PID must carry to be reaped.
	DefaultProcessName = "iisexpress"
)

// Option customizes a Harness.
type Option func(*options)

type options struct {
	logger          *log.Logger
	bus             events.Bus
	tracer          trace.Tracer
	fs              afero.Fs
	pidFile         string
	markerFile      string
	processName     string
	arch            launcher.Architecture
	archText        string
	baseDir         string
	programFiles    string
	programFilesX86 string
	gracePeriod     time.Duration
	forcedExitWait  time.Duration
	stdout          io.Writer
	stderr          io.Writer
}

func defaultOptions() options {
	return options{
		pidFile:     pidfile.DefaultPath,
		markerFile:  DefaultMarkerFile,
		processName: DefaultProcessName,
		arch:        launcher.ArchX86,
	}
}

// WithLogger routes harness logs to logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBus publishes lifecycle events on bus.
func WithBus(bus events.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithFs replaces the filesystem used for the marker check, the executable
// check and the PID record.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithPIDFile sets the PID record path (default pid.txt in the working directory).
func WithPIDFile(path string) Option {
	return func(o *options) {
		if path != "" {
			o.pidFile = path
		}
	}
}

// WithMarkerFile sets the file that identifies a web project directory.
func WithMarkerFile(name string) Option {
	return func(o *options) {
		if name != "" {
			o.markerFile = name
		}
	}
}

// WithProcessName sets the name a recorded PID must match before it is killed.
func WithProcessName(name string) Option {
	return func(o *options) {
		o.processName = name
	}
}

// WithArchitecture selects which IIS Express build to run.
func WithArchitecture(arch launcher.Architecture) Option {
	return func(o *options) {
		o.arch = arch
		o.archText = ""
	}
}

// WithBaseDir anchors relative project paths (default: the executable's directory).
func WithBaseDir(dir string) Option {
	return func(o *options) {
		o.baseDir = dir
	}
}

// WithProgramFiles overrides the 64-bit program-files root.
func WithProgramFiles(root string) Option {
	return func(o *options) {
		o.programFiles = root
	}
}

// WithProgramFilesX86 overrides the 32-bit program-files root.
func WithProgramFilesX86(root string) Option {
	return func(o *options) {
		o.programFilesX86 = root
	}
}

// WithGracePeriod bounds the wait after the graceful stop request.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		o.gracePeriod = d
	}
}

// WithForcedExitWait bounds the wait after a forced kill.
func WithForcedExitWait(d time.Duration) Option {
	return func(o *options) {
		o.forcedExitWait = d
	}
}

// WithOutput attaches the server's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithConfig applies loaded configuration. Options listed after it win.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		if cfg.PIDFile != "" {
			o.pidFile = cfg.PIDFile
		}
		if cfg.MarkerFile != "" {
			o.markerFile = cfg.MarkerFile
		}
		if cfg.ProcessName != "" {
			o.processName = cfg.ProcessName
		}
		if cfg.Architecture != "" {
			o.archText = cfg.Architecture
		}
		if cfg.ProgramFiles != "" {
			o.programFiles = cfg.ProgramFiles
		}
		if cfg.ProgramFilesX86 != "" {
			o.programFilesX86 = cfg.ProgramFilesX86
		}
		if cfg.TerminationGrace > 0 {
			o.gracePeriod = cfg.TerminationGrace
		}
		if cfg.ForcedExitWait > 0 {
			o.forcedExitWait = cfg.ForcedExitWait
		}
	}
}

func resolveOptions(opts []Option) options {
	resolved := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	if resolved.logger == nil {
		resolved.logger = log.New(io.Discard)
	}
	if resolved.fs == nil {
		resolved.fs = afero.NewOsFs()
	}
	return resolved
}

// architecture resolves the effective architecture, parsing configured text
// when no explicit WithArchitecture followed WithConfig.
func (o options) architecture() (launcher.Architecture, error) {
	if o.archText == "" {
		return o.arch, nil
	}
	return launcher.ParseArchitecture(o.archText)
}
