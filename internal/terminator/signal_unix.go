//go:build !windows

package terminator

import (
	"errors"
	"syscall"
)

// sendSignal delivers sig to pid. A process that already exited is not an error.
func sendSignal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
