package executor

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/agentlog"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/featureflag"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/model"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/notify"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/orchestration"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/report"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/workerchannel"
)

// fakeOrchClient is a scriptable orchestration.Client covering every
// path the executor touches: renewal, finish, and the previous-dispatch
// query.
type fakeOrchClient struct {
	mu sync.Mutex

	renewErr  error
	finishErr error
	getResult string
	getHas    bool
	getErr    error
}

func (c *fakeOrchClient) Renew(ctx context.Context, pool string, requestID int64, token string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renewErr != nil {
		return time.Time{}, c.renewErr
	}
	return time.Now().Add(time.Hour), nil
}

func (c *fakeOrchClient) Finish(ctx context.Context, pool string, requestID int64, result, detail string, finishedAt time.Time) error {
	return c.finishErr
}

func (c *fakeOrchClient) Get(ctx context.Context, pool string, requestID int64) (string, bool, error) {
	return c.getResult, c.getHas, c.getErr
}

func (c *fakeOrchClient) RefreshConnection(ctx context.Context, kind orchestration.ConnectionKind, timeout time.Duration) error {
	return nil
}

func (c *fakeOrchClient) SetConnectionTimeout(kind orchestration.ConnectionKind, d time.Duration) {}

// fakeSink records notify.Sink/notify.Publisher calls.
type fakeSink struct {
	mu        sync.Mutex
	started   int
	completed int
	events    []notify.Event
}

func (s *fakeSink) JobStarted(jobID string, requestID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *fakeSink) JobCompleted(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
}

func (s *fakeSink) Publish(evt notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

// fakeWorkerHandle is a workerchannel.WorkerHandle driven directly by
// the test, mirroring workerchannel's own test fake.
type fakeWorkerHandle struct {
	mu       sync.Mutex
	exitCode int
	exitCh   chan struct{}
	killed   bool
}

func newFakeWorkerHandle() *fakeWorkerHandle {
	return &fakeWorkerHandle{exitCh: make(chan struct{})}
}

func (h *fakeWorkerHandle) Wait() (int, error) {
	<-h.exitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, nil
}

// Kill is a no-op once the worker has already exited, as for a real
// process; the executor fires worker_cancel on every return path.
func (h *fakeWorkerHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.exitCh:
		return nil
	default:
	}
	h.killed = true
	h.exitCode = 99
	close(h.exitCh)
	return nil
}

func (h *fakeWorkerHandle) finish(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.exitCh:
		return
	default:
	}
	h.exitCode = code
	close(h.exitCh)
}

func spawnFactoryFor(h *fakeWorkerHandle) SpawnFactory {
	return func(workerCancel context.Context) workerchannel.SpawnFunc {
		return func(outPipeRead, inPipeWrite *os.File, stdout, stderr io.Writer) (workerchannel.WorkerHandle, error) {
			inPipeWrite.Close()
			go func() {
				buf := make([]byte, 4096)
				for {
					if _, err := outPipeRead.Read(buf); err != nil {
						return
					}
				}
			}()
			go func() {
				<-workerCancel.Done()
				h.Kill()
			}()
			return h, nil
		}
	}
}

func testDeps(orch *fakeOrchClient, sink *fakeSink, spawn SpawnFactory) Deps {
	return Deps{
		Orchestration:      orch,
		Reporter:           report.New(orch, agentlog.New("test"), nil),
		FeatureFlags:       featureflag.NewStatic(nil),
		Notify:             sink,
		Telemetry:          sink,
		Log:                agentlog.New("test"),
		Spawn:              spawn,
		ExitTranslation:    model.DefaultExitTranslation(),
		ChannelTimeout:     2 * time.Second,
		LeaseRenewInterval: 20 * time.Millisecond,
		Pool:               "default",
	}
}

func TestExecutorRunWorkerSuccess(t *testing.T) {
	orch := &fakeOrchClient{}
	sink := &fakeSink{}
	handle := newFakeWorkerHandle()
	deps := testDeps(orch, sink, spawnFactoryFor(handle))

	req := model.JobRequest{JobID: "job-1", RequestID: 1}
	jc := NewJobContext(context.Background(), req)
	exec := New(deps)

	go func() {
		time.Sleep(50 * time.Millisecond)
		handle.finish(0)
	}()

	outcome, err := exec.Run(context.Background(), jc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, outcome)
	assert.Equal(t, 1, sink.completed)
	assert.Equal(t, 1, sink.started)
}

func TestExecutorRunJobCancelDuringRunning(t *testing.T) {
	orch := &fakeOrchClient{}
	sink := &fakeSink{}
	handle := newFakeWorkerHandle()
	deps := testDeps(orch, sink, spawnFactoryFor(handle))

	req := model.JobRequest{JobID: "job-2", RequestID: 2}
	jc := NewJobContext(context.Background(), req)
	exec := New(deps)

	go func() {
		time.Sleep(50 * time.Millisecond)
		jc.CancelJob(ShutdownNone)
		// The dispatcher front-end is what normally arms the kill
		// deadline after a grace period (§4.E); this test's fake
		// worker never exits on its own in response to CancelRequest,
		// so fire it directly to unblock WaitingForWorkerExit.
		time.Sleep(20 * time.Millisecond)
		jc.FireKillDeadline()
	}()

	outcome, err := exec.Run(context.Background(), jc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCanceled, outcome)
	assert.True(t, handle.killed, "the kill deadline should have forced worker termination")
}

func TestExecutorRunRenewerAbandonsBeforeFirstSuccess(t *testing.T) {
	orch := &fakeOrchClient{renewErr: assertErr}
	sink := &fakeSink{}
	handle := newFakeWorkerHandle()
	deps := testDeps(orch, sink, spawnFactoryFor(handle))
	deps.LeaseRenewInterval = 5 * time.Millisecond

	req := model.JobRequest{JobID: "job-3", RequestID: 3}
	jc := NewJobContext(context.Background(), req)
	exec := New(deps)

	outcome, err := exec.Run(context.Background(), jc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAbandoned, outcome)
	assert.Equal(t, 0, sink.started, "worker should never have been started")
}

func TestExecutorRunAwaitPreviousFatalWhenServerDisagrees(t *testing.T) {
	orch := &fakeOrchClient{getHas: false}
	sink := &fakeSink{}
	handle := newFakeWorkerHandle()
	deps := testDeps(orch, sink, spawnFactoryFor(handle))

	req := model.JobRequest{JobID: "job-4", RequestID: 4}
	jc := NewJobContext(context.Background(), req)
	exec := New(deps)

	prevDone := make(chan struct{})
	prev := &PreviousDispatch{RequestID: 3, Done: prevDone, Cancel: func() {}}

	_, err := exec.Run(context.Background(), jc, prev)
	require.Error(t, err)
	assert.True(t, IsProtocolViolation(err))
}

var assertErr = &fakeExecErr{"renew failed"}

type fakeExecErr struct{ msg string }

func (e *fakeExecErr) Error() string { return e.msg }
