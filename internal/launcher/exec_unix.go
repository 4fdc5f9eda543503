//go:build !windows

package launcher

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

func newCommand(executablePath, arguments string) (*exec.Cmd, error) {
	argv, err := shlex.Split(arguments)
	if err != nil {
		return nil, fmt.Errorf("split arguments %q: %w", arguments, err)
	}
	// #nosec G204 -- executable path is resolved from program-files roots and verified to exist.
	return exec.Command(executablePath, argv...), nil
}

func interruptProcess(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
