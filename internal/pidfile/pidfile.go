package pidfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/openrnd/iisharness/internal/faults"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/afero"
)

// DefaultPath is the PID record location, relative to the working directory.
const DefaultPath = "pid.txt"

var (
	// ErrNoRecord indicates the PID record file does not exist.
	ErrNoRecord = errors.New("no pid record")
	// ErrNoProcess indicates no live process has the recorded PID.
	ErrNoProcess = errors.New("no such process")
)

// ProcessInspector resolves the executable name of a live PID.
type ProcessInspector interface {
	Name(ctx context.Context, pid int) (string, error)
}

// Killer terminates a process the harness did not spawn.
type Killer interface {
	TerminatePID(ctx context.Context, pid int) error
}

type defaultProcessInspector struct{}

func (defaultProcessInspector) Name(ctx context.Context, pid int) (string, error) {
	if !ValidPID(pid) {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return "", fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return "", ErrNoProcess
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return "", ErrNoProcess
		}
		return "", fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read name of pid %d: %w", pid, err)
	}
	return name, nil
}

// Options configures a Registry.
type Options struct {
	Fs        afero.Fs
	Inspector ProcessInspector
	Logger    *log.Logger
}

// Registry persists the last launched server PID and reaps orphans recorded
// by a previous run.
type Registry struct {
	fs        afero.Fs
	inspector ProcessInspector
	killer    Killer
	logger    *log.Logger
}

// New creates a Registry that terminates orphans through killer.
func New(killer Killer, opts Options) (*Registry, error) {
	if killer == nil {
		return nil, errors.New("killer is required")
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	inspector := opts.Inspector
	if inspector == nil {
		inspector = defaultProcessInspector{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Registry{
		fs:        fs,
		inspector: inspector,
		killer:    killer,
		logger:    logger,
	}, nil
}

// ReadPID returns the recorded PID, or ErrNoRecord when the file is absent.
func (r *Registry) ReadPID(recordPath string) (int, error) {
	if r == nil {
		return 0, errors.New("registry is nil")
	}
	data, err := afero.ReadFile(r.fs, recordPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoRecord
		}
		return 0, fmt.Errorf("read pid record %q: %w", recordPath, err)
	}
	return parsePID(string(data))
}

// StorePID overwrites the record with pid.
func (r *Registry) StorePID(recordPath string, pid int) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	if !ValidPID(pid) {
		return faults.Record("store pid", fmt.Errorf("invalid pid %d", pid))
	}
	if dir := filepath.Dir(recordPath); dir != "." && dir != "" {
		if err := r.fs.MkdirAll(dir, 0o750); err != nil {
			return faults.Record("store pid", fmt.Errorf("create record directory %q: %w", dir, err))
		}
	}
	if err := afero.WriteFile(r.fs, recordPath, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return faults.Record("store pid", fmt.Errorf("write %q: %w", recordPath, err))
	}
	return nil
}

// Clear removes the record. A missing record is not an error.
func (r *Registry) Clear(recordPath string) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	if err := r.fs.Remove(recordPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid record %q: %w", recordPath, err)
	}
	return nil
}

// Outcome is what KillByRecordedPID did with a recorded PID.
type Outcome int

const (
	OutcomeNoRecord Outcome = iota
	OutcomeUnreadable
	OutcomeExited
	OutcomeMismatch
	OutcomeInspectFailed
	OutcomeTerminated
	OutcomeTerminateFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoRecord:
		return "no_record"
	case OutcomeUnreadable:
		return "unreadable"
	case OutcomeExited:
		return "exited"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeInspectFailed:
		return "inspect_failed"
	case OutcomeTerminated:
		return "terminated"
	case OutcomeTerminateFailed:
		return "terminate_failed"
	default:
		return "unknown"
	}
}

// Reap reports the result of KillByRecordedPID.
type Reap struct {
	Outcome Outcome
	PID     int
	// ProcessName is the live executable name, set once the PID was inspected.
	ProcessName string
	Err         error
}

// KillByRecordedPID terminates the process named in the record if it is
// still alive and its executable name matches processNameHint, then clears
// the record. It is best-effort: every failure is logged and reported in the
// returned Reap, never raised.
func (r *Registry) KillByRecordedPID(ctx context.Context, recordPath string, processNameHint string) Reap {
	if r == nil {
		return Reap{Outcome: OutcomeNoRecord}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := r.logger.With("pid_file", recordPath)

	pid, err := r.ReadPID(recordPath)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			logger.Debug("no stale pid record")
			return Reap{Outcome: OutcomeNoRecord}
		}
		logger.Warn("unreadable pid record; clearing", "err", err)
		r.clearQuietly(logger, recordPath)
		return Reap{Outcome: OutcomeUnreadable, Err: err}
	}
	logger = logger.With("stale_pid", pid)

	reap, kill := r.inspect(ctx, logger, pid, processNameHint)
	if kill {
		if err := r.killer.TerminatePID(ctx, pid); err != nil {
			logger.Warn("terminate stale server failed", "err", err)
			reap.Outcome = OutcomeTerminateFailed
			reap.Err = err
		} else {
			logger.Info("terminated stale server")
			reap.Outcome = OutcomeTerminated
		}
	}
	r.clearQuietly(logger, recordPath)
	return reap
}

// inspect reports whether the recorded PID should be killed, and otherwise
// why not.
func (r *Registry) inspect(ctx context.Context, logger *log.Logger, pid int, hint string) (Reap, bool) {
	reap := Reap{PID: pid}
	name, err := r.inspector.Name(ctx, pid)
	if err != nil {
		if errors.Is(err, ErrNoProcess) {
			logger.Debug("stale server already exited")
			reap.Outcome = OutcomeExited
			return reap, false
		}
		logger.Warn("inspect stale pid failed", "err", err)
		reap.Outcome = OutcomeInspectFailed
		reap.Err = err
		return reap, false
	}
	reap.ProcessName = name
	if !MatchesName(name, hint) {
		logger.Info("recorded pid reused by another process; leaving it alone", "process_name", name, "expected", hint)
		reap.Outcome = OutcomeMismatch
		return reap, false
	}
	return reap, true
}

func (r *Registry) clearQuietly(logger *log.Logger, recordPath string) {
	if err := r.Clear(recordPath); err != nil {
		logger.Warn("clear pid record failed", "err", err)
	}
}

// MatchesName reports whether a process name matches hint, ignoring case and
// a trailing executable extension. An empty hint matches any name.
func MatchesName(name string, hint string) bool {
	hint = normalizeName(hint)
	if hint == "" {
		return true
	}
	return normalizeName(name) == hint
}

func normalizeName(value string) string {
	value = strings.ToLower(strings.TrimSpace(filepath.Base(strings.TrimSpace(value))))
	if value == "." {
		return ""
	}
	return strings.TrimSuffix(value, ".exe")
}

func parsePID(raw string) (int, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0, errors.New("pid record is empty")
	}
	pid, err := strconv.ParseInt(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse pid %q: %w", text, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("parse pid %q: must be positive", text)
	}
	return int(pid), nil
}

// ValidPID reports whether pid is positive and fits the 32-bit PID range the
// kernel and gopsutil accept without truncation.
func ValidPID(pid int) bool {
	return pid > 0 && int64(pid) <= math.MaxInt32
}

var _ ProcessInspector = defaultProcessInspector{}
