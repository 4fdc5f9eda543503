//go:build !windows

package terminator

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func interruptPID(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

func isProcessGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, unix.ESRCH)
}
