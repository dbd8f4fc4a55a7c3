// Package executor implements component D: the job executor. It
// drives a single job through the state machine in §4.D, coordinating
// the lease renewer (B), the worker process channel (A), and the
// completion reporter (C), and deciding the job's terminal Outcome.
// Grounded on swinslow-peridot-core/internal/controller/controller.go's
// per-job goroutine plus select-on-multiple-signals shape; the fatal
// "ProtocolViolation" handling is grounded on the same file's
// unrecoverable-state panic/abort path.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/agentlog"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/featureflag"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/lease"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/metrics"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/model"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/notify"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/orchestration"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/report"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/workerchannel"
)

// previousWorkerGrace is the window a stale previous worker gets to
// exit once the server confirms its request already has a result
// (§4.D step 1).
const previousWorkerGrace = 45 * time.Second

// refreshTimeout is the deadline on the connection refresh performed
// before the first lease renewal (§4.D step 2).
const refreshTimeout = 30 * time.Second

// ProtocolViolationError is fatal: the server's view of job state
// disagrees with the agent's in a way that has no safe recovery. The
// caller (the dispatcher front-end) must stop the agent (§7).
type ProtocolViolationError struct {
	Message string
}

func (e *ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Message
}

// IsProtocolViolation reports whether err is a fatal ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	_, ok := err.(*ProtocolViolationError)
	return ok
}

// PreviousDispatch is the handle a new Executor needs to await and, if
// necessary, tear down the dispatch it supersedes (§4.D step 1).
type PreviousDispatch struct {
	RequestID int64
	Done      <-chan struct{}
	Cancel    func()
}

// SpawnFactory builds the workerchannel.SpawnFunc for one job, binding
// it to that job's worker-cancel signal. This is how the §6 "process
// invoker" consumed interface is injected — cmd/agent binds it to
// process.Invoker.Spawn; tests bind it to an in-memory fake.
type SpawnFactory func(workerCancel context.Context) workerchannel.SpawnFunc

// Deps are the collaborators an Executor needs, all consumed through
// the interfaces named in §6.
type Deps struct {
	Orchestration orchestration.Client
	Reporter      *report.Reporter
	FeatureFlags  featureflag.Provider
	Notify        notify.Sink
	Telemetry     notify.Publisher
	Metrics       *metrics.Metrics
	Log           *agentlog.Logger
	Spawn         SpawnFactory

	ExitTranslation    model.ExitTranslation
	ChannelTimeout     time.Duration
	LeaseRenewInterval time.Duration

	Pool string
}

// Executor runs exactly one job end-to-end. A fresh Executor is built
// per dispatch; it must not be reused across jobs (§3: "created when
// the executor begins a job; destroyed when the executor returns").
type Executor struct {
	deps   Deps
	jobCtx *JobContext
}

// New builds an Executor for one dispatch.
func New(deps Deps) *Executor {
	return &Executor{deps: deps}
}

// JobContext returns the in-flight job's context, for the dispatcher
// front-end to route Cancel/MetadataUpdate events to. It is nil until
// Run has been called.
func (e *Executor) JobContext() *JobContext {
	return e.jobCtx
}

// Run drives jc's job through the full state machine, returning its
// terminal Outcome. jc must already be constructed (by the dispatcher
// front-end, via NewJobContext) and not yet started, so that the
// front-end can route Cancel/MetadataUpdate to it the instant Run is
// launched, with no window where JobContext() is still nil. A non-nil
// error is a ProtocolViolationError, a wrapped previous-dispatch query
// failure, or a wrapped failure to spawn the worker; the dispatcher
// passes every one of them to its fatal callback.
func (e *Executor) Run(parentCtx context.Context, jc *JobContext, prev *PreviousDispatch) (model.Outcome, error) {
	start := time.Now()
	req := jc.Request
	e.jobCtx = jc

	if e.deps.Metrics != nil {
		e.deps.Metrics.JobsInFlight.Inc()
	}

	outcome := model.OutcomeUnknown
	defer func() {
		jc.release()
		if e.deps.Metrics != nil {
			e.deps.Metrics.JobsInFlight.Dec()
			e.deps.Metrics.DispatchDuration.Observe(time.Since(start).Seconds())
			if outcome != model.OutcomeUnknown {
				e.deps.Metrics.RecordOutcome(outcome.String())
			}
		}
		// Guaranteed-execute finally region (§4.D step 7, §7): every
		// job produces exactly one job_completed notification,
		// regardless of which path it left the state machine by.
		e.deps.Notify.JobCompleted(req.JobID)
	}()

	// 1. AwaitingPreviousJob
	if prev != nil {
		if err := e.awaitPrevious(parentCtx, prev); err != nil {
			return model.OutcomeUnknown, err
		}
	}

	// 2. AwaitingFirstRenewal
	conn, _ := req.SystemConnection()
	if err := e.deps.Orchestration.RefreshConnection(parentCtx, orchestration.ConnectionKindOrchestration, refreshTimeout); err != nil {
		e.deps.Log.Printf("requestID=%d pre-renewal connection refresh failed: %v", req.RequestID, err)
	}

	renewer := lease.New(e.deps.Orchestration, e.deps.Pool, req.RequestID, conn.Token, e.deps.LeaseRenewInterval, e.deps.Log, e.deps.Metrics)
	renewerCtx, stopRenewer := context.WithCancel(parentCtx)
	defer stopRenewer()
	go renewer.Run(renewerCtx)

	select {
	case <-renewer.FirstRenewalSucceeded():
		// proceed to SendingJobPayload
	case <-renewer.Done():
		e.deps.Log.Printf("requestID=%d first lease renewal never succeeded; job not started", req.RequestID)
		outcome = model.OutcomeAbandoned
		return outcome, nil
	case <-jc.JobCancel():
		stopRenewer()
		<-renewer.Done()
		if err := e.deps.Reporter.Report(parentCtx, e.deps.Pool, req.RequestID, req.Plan, model.OutcomeCanceled, "canceled before start"); err != nil {
			e.deps.Log.Printf("requestID=%d report failed: %v", req.RequestID, err)
		}
		outcome = model.OutcomeCanceled
		return outcome, nil
	}

	// 3. SendingJobPayload
	channel, err := workerchannel.Start(e.deps.Spawn(jc.WorkerCancelContext()))
	if err != nil {
		stopRenewer()
		<-renewer.Done()
		return model.OutcomeFailed, fmt.Errorf("executor: spawning worker: %w", err)
	}
	jc.SetChannel(channel)

	sendCtx, cancelSend := context.WithTimeout(parentCtx, e.deps.ChannelTimeout)
	sendErr := channel.Send(sendCtx, workerchannel.NewJobRequest, req, e.deps.ChannelTimeout)
	cancelSend()
	if sendErr != nil {
		jc.CancelWorker()
		<-channel.Exited()
		channel.Close()
		stopRenewer()
		<-renewer.Done()
		e.deps.Log.Printf("requestID=%d NewJobRequest send failed, worker killed: %v", req.RequestID, sendErr)
		// §4.D step 3: exit without reporting a result; the worker
		// never started the job, and the server will observe lease
		// expiration on its own.
		return model.OutcomeUnknown, nil
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.JobsStarted.Inc()
	}
	e.deps.Notify.JobStarted(req.JobID, req.RequestID)

	// 4. Running
	outcomeOnCancel := model.OutcomeUnknown
runningLoop:
	for {
		select {
		case <-channel.Exited():
			code, _ := channel.WaitExit(context.Background())
			translated, crashed := e.deps.ExitTranslation.Translate(code)

			var detail string
			if crashed {
				detail = channel.CapturedStdio()
				e.deps.Telemetry.Publish(notify.Event{
					Kind:       notify.EventTimelineIssue,
					JobID:      req.JobID,
					RequestID:  req.RequestID,
					Message:    "worker exited with an undefined code; treating as a crash",
					ErrorCount: 1,
					At:         time.Now(),
				})
			}

			stopRenewer()
			<-renewer.Done()
			channel.Close()

			if err := e.deps.Reporter.Report(parentCtx, e.deps.Pool, req.RequestID, req.Plan, translated, detail); err != nil {
				e.deps.Log.Printf("requestID=%d report failed: %v", req.RequestID, err)
			}
			outcome = translated
			return outcome, nil

		case <-renewer.Done():
			// The lease is lost without us having asked for cancellation.
			outcomeOnCancel = model.OutcomeAbandoned
			break runningLoop

		case <-jc.JobCancel():
			outcomeOnCancel = model.OutcomeCanceled
			break runningLoop

		case meta, ok := <-jc.Metadata.Chan():
			if !ok {
				continue
			}
			metaCtx, cancelMeta := context.WithTimeout(parentCtx, e.deps.ChannelTimeout)
			merr := channel.Send(metaCtx, workerchannel.JobMetadataUpdate, meta, e.deps.ChannelTimeout)
			cancelMeta()
			if merr != nil {
				e.deps.Log.Printf("requestID=%d metadata update send failed: %v", req.RequestID, merr)
			}
		}
	}

	// Once the loop above is left, the metadata channel is never read
	// again: a metadata update arriving after job_cancel or lease loss
	// simply sits undelivered, so the graceful-cancel race named in §8
	// cannot happen by construction.

	// 5. TerminatingGracefully
	msgType := workerchannel.CancelRequest
	switch jc.ShutdownKind() {
	case ShutdownAgent:
		msgType = workerchannel.AgentShutdown
	case ShutdownOperatingSystem:
		msgType = workerchannel.OperatingSystemShutdown
	}

	if jc.ShutdownKind() != ShutdownNone && featureflag.IsOn(e.deps.FeatureFlags, featureflag.FailJobWhenAgentDies) {
		outcomeOnCancel = model.OutcomeFailed
		e.deps.Telemetry.Publish(notify.Event{
			Kind:      notify.EventShutdownCancel,
			JobID:     req.JobID,
			RequestID: req.RequestID,
			Message:   "agent shutdown in progress; overriding outcome to Failed",
			At:        time.Now(),
		})
	}

	termCtx, cancelTerm := context.WithTimeout(parentCtx, e.deps.ChannelTimeout)
	termErr := channel.Send(termCtx, msgType, nil, e.deps.ChannelTimeout)
	cancelTerm()
	if termErr != nil {
		e.deps.Log.Printf("requestID=%d %s send failed, forcing kill: %v", req.RequestID, msgType, termErr)
		jc.CancelWorker()
	}

	// 6. WaitingForWorkerExit
	select {
	case <-channel.Exited():
	case <-jc.KillDeadline():
		jc.CancelWorker()
		<-channel.Exited()
	}
	channel.Close()

	// 7. Reporting
	stopRenewer()
	<-renewer.Done()
	if err := e.deps.Reporter.Report(parentCtx, e.deps.Pool, req.RequestID, req.Plan, outcomeOnCancel, ""); err != nil {
		e.deps.Log.Printf("requestID=%d report failed: %v", req.RequestID, err)
	}
	outcome = outcomeOnCancel
	return outcome, nil
}

// awaitPrevious implements §4.D step 1: before any work starts on the
// new job, the previous dispatch (if still outstanding) must be driven
// to completion or fatally abort the agent.
func (e *Executor) awaitPrevious(ctx context.Context, prev *PreviousDispatch) error {
	select {
	case <-prev.Done:
		return nil
	default:
	}

	_, hasResult, err := e.deps.Orchestration.Get(ctx, e.deps.Pool, prev.RequestID)
	if err != nil {
		prev.Cancel()
		<-prev.Done
		return fmt.Errorf("executor: querying previous dispatch requestID=%d: %w", prev.RequestID, err)
	}

	if hasResult {
		prev.Cancel()
		if !waitWithTimeout(prev.Done, previousWorkerGrace) {
			return &ProtocolViolationError{Message: "dispatch task cannot be canceled"}
		}
		return nil
	}

	return &ProtocolViolationError{Message: "server sent a new job while the previous request is still active"}
}

func waitWithTimeout(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
