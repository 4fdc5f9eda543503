//go:build windows

package launcher

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

var errGracefulUnsupported = errors.New("graceful termination unsupported on windows")

// IIS Express parses its own command line, so the argument string is passed through verbatim.
func newCommand(executablePath, arguments string) (*exec.Cmd, error) {
	// #nosec G204 -- executable path is resolved from program-files roots and verified to exist.
	cmd := exec.Command(executablePath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine: syscall.EscapeArg(executablePath) + " " + arguments,
	}
	return cmd, nil
}

func interruptProcess(*os.Process) error {
	return errGracefulUnsupported
}
