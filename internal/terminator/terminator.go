package terminator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	// DefaultGracePeriod is the graceful-signal window before a forced kill.
	DefaultGracePeriod = 5 * time.Second
	// DefaultForcedExitWait bounds the wait after a forced kill.
	DefaultForcedExitWait = 2 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

// Handle is a live process the harness spawned and reaps itself.
type Handle interface {
	PID() int
	// Interrupt requests a graceful shutdown.
	Interrupt() error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// ProcessSignaler delivers termination requests to an arbitrary PID.
type ProcessSignaler interface {
	Interrupt(pid int) error
	Kill(pid int) error
}

// ProcessChecker checks whether a PID is still alive.
type ProcessChecker interface {
	Alive(ctx context.Context, pid int) (bool, error)
}

type defaultProcessSignaler struct{}

func (defaultProcessSignaler) Interrupt(pid int) error {
	return interruptPID(pid)
}

func (defaultProcessSignaler) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

type defaultProcessChecker struct{}

func (defaultProcessChecker) Alive(ctx context.Context, pid int) (bool, error) {
	if !validPID(pid) {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Options configures a Terminator.
type Options struct {
	GracePeriod    time.Duration
	ForcedExitWait time.Duration
	PollInterval   time.Duration
	Signaler       ProcessSignaler
	Checker        ProcessChecker
	Logger         *log.Logger
}

// Terminator applies SIGTERM -> grace -> SIGKILL escalation with bounded waits.
type Terminator struct {
	gracePeriod    time.Duration
	forcedExitWait time.Duration
	pollInterval   time.Duration
	signaler       ProcessSignaler
	checker        ProcessChecker
	logger         *log.Logger
	now            func() time.Time
	sleep          func(time.Duration)
}

// New creates a Terminator with defaults where options are omitted.
func New(opts Options) *Terminator {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	forced := opts.ForcedExitWait
	if forced <= 0 {
		forced = DefaultForcedExitWait
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	signaler := opts.Signaler
	if signaler == nil {
		signaler = defaultProcessSignaler{}
	}
	checker := opts.Checker
	if checker == nil {
		checker = defaultProcessChecker{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &Terminator{
		gracePeriod:    grace,
		forcedExitWait: forced,
		pollInterval:   poll,
		signaler:       signaler,
		checker:        checker,
		logger:         logger,
		now:            time.Now,
		sleep:          time.Sleep,
	}
}

// Terminate shuts down a spawned process. It never fails and never panics;
// nil handles and processes that already exited are no-ops.
func (t *Terminator) Terminate(ctx context.Context, handle Handle) {
	if t == nil || handle == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("process termination panicked", "panic", fmt.Sprint(r))
		}
	}()

	done := handle.Done()
	if exited(done) {
		return
	}
	pid := handle.PID()
	logger := t.logger.With("pid", pid)

	if err := handle.Interrupt(); err != nil {
		if isProcessGone(err) {
			return
		}
		logger.Debug("graceful shutdown unavailable; escalating", "err", err)
	} else if t.waitDone(ctx, done, t.gracePeriod) {
		logger.Debug("process exited after graceful signal")
		return
	}

	if err := handle.Kill(); err != nil && !isProcessGone(err) {
		logger.Warn("kill process failed", "err", err)
	}
	if !t.waitDone(ctx, done, t.forcedExitWait) {
		logger.Warn("process did not exit within forced exit window", "wait", t.forcedExitWait)
		return
	}
	logger.Debug("process exited after kill")
}

// TerminatePID shuts down a process the harness did not spawn, such as an
// orphan from a previous run. A PID with no live process is not an error.
func (t *Terminator) TerminatePID(ctx context.Context, pid int) error {
	if t == nil {
		return errors.New("terminator is nil")
	}
	if !validPID(pid) {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	alive, err := t.checker.Alive(ctx, pid)
	if err != nil {
		return fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !alive {
		return nil
	}

	if err := t.signaler.Interrupt(pid); err != nil {
		if isProcessGone(err) {
			return nil
		}
		t.logger.Debug("graceful shutdown unavailable; escalating", "pid", pid, "err", err)
	} else {
		gone, err := t.waitForExit(ctx, pid, t.gracePeriod)
		if err != nil {
			return fmt.Errorf("wait for pid %d after graceful signal: %w", pid, err)
		}
		if gone {
			return nil
		}
	}

	if err := t.signaler.Kill(pid); err != nil && !isProcessGone(err) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	gone, err := t.waitForExit(ctx, pid, t.forcedExitWait)
	if err != nil {
		return fmt.Errorf("wait for pid %d after kill: %w", pid, err)
	}
	if !gone {
		return fmt.Errorf("pid %d still alive after kill", pid)
	}
	return nil
}

func (t *Terminator) waitDone(ctx context.Context, done <-chan struct{}, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return exited(done)
	}
}

func (t *Terminator) waitForExit(ctx context.Context, pid int, window time.Duration) (bool, error) {
	deadline := t.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := t.checker.Alive(ctx, pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !t.now().Before(deadline) {
			return false, nil
		}
		t.sleep(t.pollInterval)
	}
}

func exited(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

var _ ProcessSignaler = defaultProcessSignaler{}
var _ ProcessChecker = defaultProcessChecker{}

// validPID rejects values the kernel would truncate to another process.
func validPID(pid int) bool {
	return pid > 0 && int64(pid) <= math.MaxInt32
}
