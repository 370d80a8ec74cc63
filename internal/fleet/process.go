package fleet

import (
	"os"
	"syscall"
)

// signalKiller is the production ProcessKiller, built on real OS signals.
type signalKiller struct{}

func (signalKiller) Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// Alive probes liveness the POSIX way: signal 0 delivers no signal but
// still reports ESRCH if the process is gone.
func (signalKiller) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (signalKiller) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGKILL)
}
