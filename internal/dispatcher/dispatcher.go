// Package dispatcher implements component E: the front-end the rest
// of the agent drives. It is explicitly not thread-safe — its caller
// (the message-queue loop) must invoke Run/Cancel/MetadataUpdate/Wait/
// Shutdown sequentially — except for the registry bookkeeping an
// executor performs on its own completion, which runs concurrently
// with whatever the caller does next and is therefore mutex-guarded
// internally (§3: "it is the executor that removes itself from the
// registry").
// Grounded on swinslow-peridot-core/internal/controller/controller.go's
// top-level dispatch loop and its job-id -> state map, generalized from
// many concurrent jobs to the spec's single in-flight dispatch.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package dispatcher

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/executor"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/model"
)

// maxCancelTimeout bounds Cancel's kill-deadline padding to avoid
// integer overflow in the timer primitive (§4.E, §8).
const maxCancelTimeout = 35790 * time.Minute

// minCancelTimeout is the floor Cancel clamps its caller-supplied
// timeout to before subtracting the 15s kill-deadline pad (§4.E).
const minCancelTimeout = 60 * time.Second

// killDeadlinePad is how far ahead of the caller's own timeout the
// kill deadline fires, leaving the reporter time to run (§5).
const killDeadlinePad = 15 * time.Second

// graceCancelTimeout is the timeout Wait injects when its token fires
// (§4.E).
const graceCancelTimeout = 60 * time.Second

type dispatchEntry struct {
	requestID int64
	exec      *executor.Executor
	jc        *executor.JobContext
	done      chan struct{}
}

// Dispatcher is the single front-end instance for the agent's one
// in-flight job slot.
type Dispatcher struct {
	depsTemplate executor.Deps

	mu       sync.Mutex
	registry map[string]*dispatchEntry
	queue    *list.List // job ids, oldest (only) at Front

	oneShotMu    sync.Mutex
	oneShotCh    chan struct{}
	oneShotArmed bool
}

// New builds a Dispatcher. deps is cloned per job into a fresh
// Executor; none of its fields are mutated by the dispatcher itself.
func New(deps executor.Deps) *Dispatcher {
	return &Dispatcher{
		depsTemplate: deps,
		registry:     make(map[string]*dispatchEntry),
		queue:        list.New(),
	}
}

// Run starts a new dispatch for req. If runOnce is set, the agent's
// single-shot completion signal (WaitUntilIdle's underlying primitive)
// fires once this dispatch (and any dispatch it had to await) is done.
// fatal, if non-nil, is called with any error the executor returns (a
// ProtocolViolationError, a failed previous-dispatch query, or a failed
// worker spawn) — the caller should treat this as a signal to stop the
// agent (§7).
func (d *Dispatcher) Run(ctx context.Context, req model.JobRequest, runOnce bool, fatal func(error)) {
	d.mu.Lock()
	var prev *executor.PreviousDispatch
	if el := d.queue.Front(); el != nil {
		prevJobID := el.Value.(string)
		d.queue.Remove(el)
		if pe, ok := d.registry[prevJobID]; ok {
			prev = &executor.PreviousDispatch{
				RequestID: pe.requestID,
				Done:      pe.done,
				Cancel:    func() { pe.jc.CancelWorker() },
			}
		}
	}

	jc := executor.NewJobContext(ctx, req)
	exec := executor.New(d.depsTemplate)
	entry := &dispatchEntry{requestID: req.RequestID, exec: exec, jc: jc, done: make(chan struct{})}
	d.registry[req.JobID] = entry
	d.queue.PushBack(req.JobID)
	d.mu.Unlock()

	if runOnce {
		d.armOneShot()
	}

	go func() {
		_, err := exec.Run(ctx, jc, prev)

		d.mu.Lock()
		if d.registry[req.JobID] == entry {
			delete(d.registry, req.JobID)
		}
		d.mu.Unlock()
		close(entry.done)

		if err != nil && fatal != nil {
			fatal(err)
		}
		if runOnce {
			d.signalOneShot()
		}
	}()
}

// Cancel triggers a graceful cancel of job_id, escalating to a forced
// kill after max(timeout, 60s) - 15s. It returns false if job_id is
// not currently dispatched.
func (d *Dispatcher) Cancel(jobID string, timeout time.Duration) bool {
	d.mu.Lock()
	entry, ok := d.registry[jobID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	entry.jc.CancelJob(executor.ShutdownNone)

	if timeout < minCancelTimeout {
		timeout = minCancelTimeout
	}
	if timeout > maxCancelTimeout {
		timeout = maxCancelTimeout
	}
	killAfter := timeout - killDeadlinePad

	go func() {
		t := time.NewTimer(killAfter)
		defer t.Stop()
		select {
		case <-t.C:
			entry.jc.FireKillDeadline()
		case <-entry.done:
		}
	}()

	return true
}

// MetadataUpdate fulfils job_id's pending-metadata slot. It is a no-op
// if the job is no longer dispatched.
func (d *Dispatcher) MetadataUpdate(jobID string, meta map[string]string) {
	d.mu.Lock()
	entry, ok := d.registry[jobID]
	d.mu.Unlock()
	if !ok {
		return
	}
	entry.jc.Metadata.Offer(meta)
}

// currentEntry returns the single dispatch in flight, if any (the
// registry holds exactly zero or one entry in steady state — §3).
func (d *Dispatcher) currentEntry() *dispatchEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	el := d.queue.Back()
	if el == nil {
		return nil
	}
	return d.registry[el.Value.(string)]
}

// Wait blocks until the currently-running dispatch finishes. If token
// fires first, Wait injects a 60s graceful cancel and then waits
// again.
func (d *Dispatcher) Wait(token <-chan struct{}) {
	entry := d.currentEntry()
	if entry == nil {
		return
	}

	select {
	case <-entry.done:
		return
	case <-token:
	}

	entry.jc.CancelJob(executor.ShutdownAgent)
	t := time.NewTimer(graceCancelTimeout - killDeadlinePad)
	defer t.Stop()
	select {
	case <-entry.done:
	case <-t.C:
		entry.jc.FireKillDeadline()
		<-entry.done
	}
}

// Shutdown unconditionally kills the running dispatch's worker
// directly, bypassing the graceful-cancel message exchange entirely,
// and blocks until it has exited.
func (d *Dispatcher) Shutdown() {
	entry := d.currentEntry()
	if entry == nil {
		return
	}
	entry.jc.CancelWorker()
	<-entry.done
}

// WaitUntilIdle blocks until the first dispatch started with
// runOnce=true has completed, or ctx is done. It returns nil at once if
// no runOnce dispatch has been started. The signal fires only once and
// is not re-armed, so later runOnce dispatches are not waited for.
func (d *Dispatcher) WaitUntilIdle(ctx context.Context) error {
	d.oneShotMu.Lock()
	ch := d.oneShotCh
	d.oneShotMu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) armOneShot() {
	d.oneShotMu.Lock()
	defer d.oneShotMu.Unlock()
	if !d.oneShotArmed {
		d.oneShotArmed = true
		d.oneShotCh = make(chan struct{})
	}
}

func (d *Dispatcher) signalOneShot() {
	d.oneShotMu.Lock()
	defer d.oneShotMu.Unlock()
	if d.oneShotArmed && d.oneShotCh != nil {
		select {
		case <-d.oneShotCh:
		default:
			close(d.oneShotCh)
		}
	}
}
