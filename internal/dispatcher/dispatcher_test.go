package dispatcher

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
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/executor"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/featureflag"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/model"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/notify"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/orchestration"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/report"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/workerchannel"
)

type fakeOrchClient struct{}

func (c *fakeOrchClient) Renew(ctx context.Context, pool string, requestID int64, token string) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}
func (c *fakeOrchClient) Finish(ctx context.Context, pool string, requestID int64, result, detail string, finishedAt time.Time) error {
	return nil
}
func (c *fakeOrchClient) Get(ctx context.Context, pool string, requestID int64) (string, bool, error) {
	return "", false, nil
}
func (c *fakeOrchClient) RefreshConnection(ctx context.Context, kind orchestration.ConnectionKind, timeout time.Duration) error {
	return nil
}
func (c *fakeOrchClient) SetConnectionTimeout(kind orchestration.ConnectionKind, d time.Duration) {}

type fakeSink struct{ mu sync.Mutex }

func (s *fakeSink) JobStarted(jobID string, requestID int64) {}
func (s *fakeSink) JobCompleted(jobID string)                {}
func (s *fakeSink) Publish(evt notify.Event)                 {}

// fakeWorkerHandle is driven directly by the test and reports whether
// it was ever force-killed.
type fakeWorkerHandle struct {
	mu       sync.Mutex
	exitCode int
	exitCh   chan struct{}
	killed   bool
}

func newFakeWorkerHandle() *fakeWorkerHandle { return &fakeWorkerHandle{exitCh: make(chan struct{})} }

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

func (h *fakeWorkerHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func spawnFactoryFor(h *fakeWorkerHandle) executor.SpawnFactory {
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

func testDeps(spawn executor.SpawnFactory) executor.Deps {
	orch := &fakeOrchClient{}
	return executor.Deps{
		Orchestration:      orch,
		Reporter:           report.New(orch, agentlog.New("test"), nil),
		FeatureFlags:       featureflag.NewStatic(nil),
		Notify:             &fakeSink{},
		Telemetry:          &fakeSink{},
		Log:                agentlog.New("test"),
		Spawn:              spawn,
		ExitTranslation:    model.DefaultExitTranslation(),
		ChannelTimeout:     2 * time.Second,
		LeaseRenewInterval: 20 * time.Millisecond,
		Pool:               "default",
	}
}

func TestDispatcherCancelUnknownJobReturnsFalse(t *testing.T) {
	d := New(testDeps(spawnFactoryFor(newFakeWorkerHandle())))
	assert.False(t, d.Cancel("no-such-job", time.Minute))
}

func TestDispatcherWaitOnIdleDispatcherReturnsImmediately(t *testing.T) {
	d := New(testDeps(spawnFactoryFor(newFakeWorkerHandle())))
	done := make(chan struct{})
	go func() {
		d.Wait(make(chan struct{}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait on an idle dispatcher should return immediately")
	}
}

func TestDispatcherRunToSuccessAndWait(t *testing.T) {
	handle := newFakeWorkerHandle()
	d := New(testDeps(spawnFactoryFor(handle)))

	go func() {
		time.Sleep(50 * time.Millisecond)
		handle.finish(0)
	}()

	d.Run(context.Background(), model.JobRequest{JobID: "job-1", RequestID: 1}, false, nil)

	waitDone := make(chan struct{})
	go func() {
		d.Wait(make(chan struct{}))
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned after the dispatch finished")
	}

	assert.False(t, d.Cancel("job-1", time.Minute), "a finished job should have removed itself from the registry")
}

func TestDispatcherCancelTriggersGracefulCancel(t *testing.T) {
	handle := newFakeWorkerHandle()
	d := New(testDeps(spawnFactoryFor(handle)))

	d.Run(context.Background(), model.JobRequest{JobID: "job-2", RequestID: 2}, false, nil)
	time.Sleep(50 * time.Millisecond)

	require.True(t, d.Cancel("job-2", time.Minute))

	// A real worker would acknowledge CancelRequest by exiting with
	// its cancel code; this test's fake does the same rather than
	// waiting out Cancel's real (minutes-scale) kill deadline.
	go func() {
		time.Sleep(20 * time.Millisecond)
		handle.finish(2)
	}()

	waitDone := make(chan struct{})
	go func() {
		d.Wait(make(chan struct{}))
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned after Cancel")
	}
	assert.False(t, handle.wasKilled(), "a worker that exits cooperatively should not also be force-killed")
}

func TestDispatcherShutdownForcesImmediateKill(t *testing.T) {
	handle := newFakeWorkerHandle()
	d := New(testDeps(spawnFactoryFor(handle)))

	d.Run(context.Background(), model.JobRequest{JobID: "job-3", RequestID: 3}, false, nil)
	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		d.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown never returned")
	}
	assert.True(t, handle.wasKilled())
}

func TestDispatcherWaitUntilIdleSignalsOnOneShotCompletion(t *testing.T) {
	handle := newFakeWorkerHandle()
	d := New(testDeps(spawnFactoryFor(handle)))

	go func() {
		time.Sleep(50 * time.Millisecond)
		handle.finish(0)
	}()

	d.Run(context.Background(), model.JobRequest{JobID: "job-4", RequestID: 4}, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.WaitUntilIdle(ctx))
}

func TestDispatcherWaitUntilIdleNoOpWhenNoOneShotArmed(t *testing.T) {
	d := New(testDeps(spawnFactoryFor(newFakeWorkerHandle())))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, d.WaitUntilIdle(ctx))
}

func TestDispatcherMetadataUpdateIsNoOpForUnknownJob(t *testing.T) {
	d := New(testDeps(spawnFactoryFor(newFakeWorkerHandle())))
	// Must not panic even though no job is in flight.
	d.MetadataUpdate("no-such-job", map[string]string{"a": "b"})
}

func TestCancelTimeoutClampBounds(t *testing.T) {
	assert.Equal(t, 60*time.Second, minCancelTimeout)
	assert.Equal(t, 15*time.Second, killDeadlinePad)
	assert.Equal(t, 35790*time.Minute, maxCancelTimeout)
}
