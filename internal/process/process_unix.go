//go:build !windows

// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package process

import (
	"os/exec"
	"syscall"
)

// setElevatedPriority puts the worker in its own process group (so
// Kill can signal the whole tree). On POSIX it does not change the
// worker's scheduling priority: the child runs at the agent's own
// nice value.
func setElevatedPriority(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
