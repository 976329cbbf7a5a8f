//go:build windows

package coordinator

import "os/exec"

// Windows cannot deliver an interrupt to a child; cancellation falls back to
// the default kill from exec.CommandContext.
func configureProcess(cmd *exec.Cmd) {}
