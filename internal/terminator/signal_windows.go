//go:build windows

package terminator

import (
	"errors"
	"os"
)

// Windows has no SIGTERM for console-less processes; Terminate escalates straight to Kill.
var errGracefulUnsupported = errors.New("graceful termination unsupported on windows")

func interruptPID(int) error {
	return errGracefulUnsupported
}

func isProcessGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrProcessDone)
}
