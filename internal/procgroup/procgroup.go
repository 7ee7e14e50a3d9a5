// Package procgroup starts the render tool detached from any console window
// and stops it, together with anything it spawned, as a group.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/heimdex/render-agent/internal/metrics"
)

// ErrKillFailed is returned when the process survives SIGKILL past the reap timeout.
var ErrKillFailed = errors.New("kill operation failed")

// ReapTimeout bounds how long Terminate waits after SIGKILL.
const ReapTimeout = 2 * time.Second

// Set configures cmd to start in its own process group without a visible
// console window. Must be called before cmd.Start.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Kill sends sig to the process group of cmd. A nil or already exited
// process is not an error.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return kill(cmd, sig)
}

// Terminate stops a running group: SIGTERM, wait up to grace for waitCh,
// then SIGKILL and wait up to ReapTimeout. It consumes waitCh and returns
// the process's wait error.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	record("SIGTERM", Kill(cmd, syscall.SIGTERM))

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	record("SIGKILL", Kill(cmd, syscall.SIGKILL))

	select {
	case err := <-waitCh:
		return err
	case <-time.After(ReapTimeout):
		return ErrKillFailed
	}
}

func record(signal string, err error) {
	if err == nil {
		metrics.IncProcTerminate(signal, "sent")
		return
	}
	metrics.IncProcTerminate(signal, "error")
}
