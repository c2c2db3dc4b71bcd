//go:build windows

package terminator

import (
	"os"
	"syscall"
)

// sendSignal terminates pid. Windows has no SIGTERM delivery for console-less
// children, so every signal maps to TerminateProcess.
func sendSignal(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
