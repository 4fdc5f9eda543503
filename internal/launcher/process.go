package launcher

import (
	"os"
	"os/exec"
	"sync"
)

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Process is a server process spawned by Launcher. A background reaper waits
// on the child so a terminated server never lingers as a zombie.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

func newProcess(cmd *exec.Cmd) *Process {
	p := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// PID returns the OS process identifier, or 0 for a nil process.
func (p *Process) PID() int {
	if p == nil {
		return 0
	}
	return p.pid
}

// Interrupt requests a graceful shutdown.
func (p *Process) Interrupt() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return interruptProcess(p.cmd.Process)
}

// Kill forcibly stops the process.
func (p *Process) Kill() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Kill()
}

// Done is closed after the process exits and has been reaped.
func (p *Process) Done() <-chan struct{} {
	if p == nil || p.done == nil {
		return closedDone
	}
	return p.done
}

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its wait error.
func (p *Process) Wait() error {
	<-p.Done()
	return p.ExitErr()
}

// ExitErr returns the wait error once the process has exited.
func (p *Process) ExitErr() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}
