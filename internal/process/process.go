// Package process provides the default process invoker: it spawns the
// worker executable per the §6 spawn contract (argv "spawnclient
// <out_pipe_handle> <in_pipe_handle>", working directory the bin
// directory, high priority class on Windows; on other platforms the
// scheduling priority is left unchanged) and adapts *exec.Cmd to
// workerchannel.WorkerHandle.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/workerchannel"
)

// WorkerExecutableName is the platform-independent base name of the
// worker binary; platform suffixing (".exe" on Windows) is applied by
// ResolveExecutable.
const WorkerExecutableName = "Agent.Worker"

// ResolveExecutable returns the full path to the worker executable
// inside binDir, appending the platform executable suffix.
func ResolveExecutable(binDir string) string {
	name := WorkerExecutableName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return binDir + string(os.PathSeparator) + name
}

// Invoker launches worker child processes. It satisfies
// workerchannel.SpawnFunc via Spawn.
type Invoker struct {
	// BinDir is the working directory the worker is started in, and
	// where its executable is resolved from.
	BinDir string
	// Env is the environment passed to the child; nil means inherit
	// os.Environ().
	Env []string
	// CancelToken, when it fires, triggers a process-tree kill of the
	// spawned worker with the post-kill continuation policy described
	// in §6: the caller must still observe Wait() return.
	CancelToken context.Context
}

// Spawn implements workerchannel.SpawnFunc.
func (iv *Invoker) Spawn(outPipeRead, inPipeWrite *os.File, stdout, stderr io.Writer) (workerchannel.WorkerHandle, error) {
	exePath := ResolveExecutable(iv.BinDir)

	// argv per §6: "spawnclient <out_pipe_handle> <in_pipe_handle>".
	// On POSIX, ExtraFiles[i] becomes descriptor 3+i in the child, so
	// argv names those descriptors rather than the parent's own.
	outHandle, inHandle := "3", "4"
	if runtime.GOOS == "windows" {
		outHandle = fmt.Sprintf("%d", outPipeRead.Fd())
		inHandle = fmt.Sprintf("%d", inPipeWrite.Fd())
	}
	cmd := exec.Command(exePath, "spawnclient", outHandle, inHandle)
	cmd.Dir = iv.BinDir
	if iv.Env != nil {
		cmd.Env = iv.Env
	}
	cmd.ExtraFiles = []*os.File{outPipeRead, inPipeWrite}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setElevatedPriority(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: starting worker: %w", err)
	}

	h := &cmdHandle{cmd: cmd}
	if iv.CancelToken != nil {
		go h.killOnCancel(iv.CancelToken)
	}
	return h, nil
}

// cmdHandle adapts *exec.Cmd to workerchannel.WorkerHandle.
type cmdHandle struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	killed   bool
	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (h *cmdHandle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if err == nil {
			h.exitCode = h.cmd.ProcessState.ExitCode()
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.exitCode = exitErr.ExitCode()
			return
		}
		h.waitErr = err
	})
	return h.exitCode, h.waitErr
}

// Kill terminates the worker's process tree. On POSIX it signals the
// whole process group; the continuation policy is simply that Wait()
// is guaranteed to return once the kill completes.
func (h *cmdHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed {
		return nil
	}
	h.killed = true
	if h.cmd.Process == nil {
		return nil
	}
	return killProcessTree(h.cmd.Process.Pid)
}

func (h *cmdHandle) killOnCancel(ctx context.Context) {
	<-ctx.Done()
	_ = h.Kill()
}

