//go:build windows

// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package process

import (
	"fmt"
	"os/exec"
)

// killProcessTree uses taskkill /T to terminate the worker and its
// descendants, since Windows has no POSIX process-group signal.
func killProcessTree(pid int) error {
	return exec.Command("taskkill", "/T", "/F", "/PID", fmt.Sprintf("%d", pid)).Run()
}
