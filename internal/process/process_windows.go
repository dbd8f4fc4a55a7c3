//go:build windows

// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package process

import (
	"os/exec"
	"syscall"
)

// setElevatedPriority raises the worker's process priority class, per
// the §6 spawn contract.
func setElevatedPriority(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000080, // HIGH_PRIORITY_CLASS
	}
}
