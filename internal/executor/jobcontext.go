// Package executor implements component D: the job executor. For a
// single job it drives the state machine in §4.D, fanning in the two
// cancellation signals wired from outside (job_cancel, kill_deadline)
// and driving a third, implementation-only signal (worker_cancel).
// Grounded on swinslow-peridot-core/internal/controller/controller.go's
// jobSetProcessorLoop select-loop shape and scheduler.go's mutex-guarded
// state transitions, generalized from a multi-job scheduler to a
// single serial dispatch.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/model"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/workerchannel"
)

// ShutdownKind distinguishes why graceful termination was triggered,
// so TerminatingGracefully (§4.D step 5) can pick the right
// cancel-family message.
type ShutdownKind int

const (
	// ShutdownNone means termination was a plain external cancel or a
	// lease loss, not an agent shutdown.
	ShutdownNone ShutdownKind = iota
	// ShutdownAgent means the agent process itself is shutting down.
	ShutdownAgent
	// ShutdownOperatingSystem means the host OS is shutting down.
	ShutdownOperatingSystem
)

// MetadataSlot is the single-slot rendezvous between the dispatcher
// front-end and the executor's select loop (§3 PendingMetadata). At
// most one message is buffered; a second arrival before the executor
// drains it overwrites the first (last-write-wins).
type MetadataSlot struct {
	ch chan map[string]string
}

// NewMetadataSlot returns an empty slot.
func NewMetadataSlot() *MetadataSlot {
	return &MetadataSlot{ch: make(chan map[string]string, 1)}
}

// Offer delivers meta to the slot, replacing any undelivered message
// already buffered.
func (s *MetadataSlot) Offer(meta map[string]string) {
	for {
		select {
		case s.ch <- meta:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Chan yields each delivered message once. No re-arming is needed:
// the channel has capacity 1, so the next Offer simply refills it.
func (s *MetadataSlot) Chan() <-chan map[string]string { return s.ch }

// JobContext is the per-job state owned exclusively by the executor
// while a dispatch is in flight (§3). The dispatcher front-end holds
// only a weak lookup via the registry to route Cancel/MetadataUpdate
// events to it.
type JobContext struct {
	Request       model.JobRequest
	CorrelationID string

	jobCancelCtx  context.Context
	jobCancelFn   context.CancelFunc
	killCtx       context.Context
	killFn        context.CancelFunc
	workerCtx     context.Context
	workerFn      context.CancelFunc

	Metadata *MetadataSlot

	mu           sync.Mutex
	shutdownKind ShutdownKind
	channel      *workerchannel.Channel

	done chan struct{}
}

// NewJobContext creates a JobContext for req, deriving all three
// cancellation signals from parent.
func NewJobContext(parent context.Context, req model.JobRequest) *JobContext {
	jobCtx, jobFn := context.WithCancel(parent)
	killCtx, killFn := context.WithCancel(parent)
	workerCtx, workerFn := context.WithCancel(parent)
	return &JobContext{
		Request:       req,
		CorrelationID: uuid.NewString(),
		jobCancelCtx:  jobCtx,
		jobCancelFn:   jobFn,
		killCtx:       killCtx,
		killFn:        killFn,
		workerCtx:     workerCtx,
		workerFn:      workerFn,
		Metadata:      NewMetadataSlot(),
		done:          make(chan struct{}),
	}
}

// JobCancel fires on an external cancel request or lease loss.
func (jc *JobContext) JobCancel() <-chan struct{} { return jc.jobCancelCtx.Done() }

// CancelJob triggers job_cancel, optionally tagging the reason as an
// agent/OS shutdown so TerminatingGracefully picks the matching
// control message (§4.D step 5).
func (jc *JobContext) CancelJob(kind ShutdownKind) {
	jc.mu.Lock()
	jc.shutdownKind = kind
	jc.mu.Unlock()
	jc.jobCancelFn()
}

// ShutdownKind reports the tagged reason for job_cancel, if any.
func (jc *JobContext) ShutdownKind() ShutdownKind {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.shutdownKind
}

// KillDeadline fires when graceful cancel has waited long enough.
func (jc *JobContext) KillDeadline() <-chan struct{} { return jc.killCtx.Done() }

// FireKillDeadline forces the kill-deadline signal.
func (jc *JobContext) FireKillDeadline() { jc.killFn() }

// WorkerCancel fires to force worker-process termination.
func (jc *JobContext) WorkerCancel() <-chan struct{} { return jc.workerCtx.Done() }

// WorkerCancelContext exposes the worker-cancel signal as a context,
// for handing to process.Invoker's CancelToken.
func (jc *JobContext) WorkerCancelContext() context.Context { return jc.workerCtx }

// CancelWorker forces worker-process termination.
func (jc *JobContext) CancelWorker() { jc.workerFn() }

// SetChannel stores the spawned worker's channel, once known.
func (jc *JobContext) SetChannel(ch *workerchannel.Channel) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.channel = ch
}

// Channel returns the worker channel, or nil if the worker was never
// spawned for this dispatch.
func (jc *JobContext) Channel() *workerchannel.Channel {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.channel
}

// Done is closed when the executor that owns this JobContext returns.
func (jc *JobContext) Done() <-chan struct{} { return jc.done }

// release cancels every context this JobContext derived, so none of
// them leak past the executor's return (§5 "Scoped acquisition").
func (jc *JobContext) release() {
	jc.jobCancelFn()
	jc.killFn()
	jc.workerFn()
	close(jc.done)
}
