//go:build linux

package coordinator

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProcess has the kernel kill the worker if the coordinator dies,
// and asks it to shut down gracefully on cancellation.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
}
