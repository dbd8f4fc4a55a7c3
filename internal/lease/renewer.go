// Package lease implements component B: the lease renewer. It runs
// for the duration of a single job, refreshing the server-side job
// lock, signalling first success exactly once, and retrying with the
// two-phase backoff schedule in §4.B.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package lease

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/agentlog"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/metrics"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/orchestration"
)

// StopReason classifies why Run returned.
type StopReason int

const (
	// StopReasonCanceled means the caller's context was canceled; the
	// executor already knows why and should not treat this as a lease
	// loss.
	StopReasonCanceled StopReason = iota
	// StopReasonJobGone means the server reported JobNotFound or
	// JobTokenExpired: the job is already terminal server-side.
	StopReasonJobGone
	// StopReasonRetriesExhausted means the first renewal never
	// succeeded after 5 attempts; the job must not be started.
	StopReasonRetriesExhausted
	// StopReasonLeaseExpired means locked_until+5min passed while
	// renewals kept failing after an earlier success.
	StopReasonLeaseExpired
)

const (
	maxPreSuccessAttempts = 5
	postSuccessGrace      = 5 * time.Minute
	errorCountThreshold   = 5

	preSuccessBackoffMin = 1 * time.Second
	preSuccessBackoffMax = 10 * time.Second

	postSuccessBackoffMinLow  = 5 * time.Second
	postSuccessBackoffMaxLow  = 15 * time.Second
	postSuccessBackoffMinHigh = 15 * time.Second
	postSuccessBackoffMaxHigh = 30 * time.Second

	loweredTimeout = 30 * time.Second
	normalTimeout  = 60 * time.Second
)

// Renewer runs the lease-renewal loop for one job.
type Renewer struct {
	client    orchestration.Client
	pool      string
	requestID int64
	token     string
	interval  time.Duration

	log     *agentlog.Logger
	metrics *metrics.Metrics

	firstRenewalSucceeded chan struct{}
	done                  chan struct{}

	mu         sync.Mutex
	stopReason StopReason
	lockedUntil time.Time
}

// New builds a Renewer for one job. interval is the steady-state
// renewal cadence (60s, per §4.B and §5).
func New(client orchestration.Client, pool string, requestID int64, token string, interval time.Duration, log *agentlog.Logger, m *metrics.Metrics) *Renewer {
	return &Renewer{
		client:                client,
		pool:                  pool,
		requestID:             requestID,
		token:                 token,
		interval:              interval,
		log:                   log,
		metrics:               m,
		firstRenewalSucceeded: make(chan struct{}),
		done:                  make(chan struct{}),
	}
}

// FirstRenewalSucceeded is closed exactly once, the first time a
// renewal call succeeds.
func (r *Renewer) FirstRenewalSucceeded() <-chan struct{} { return r.firstRenewalSucceeded }

// Done is closed when Run returns, for any reason.
func (r *Renewer) Done() <-chan struct{} { return r.done }

// StopReason reports why Run returned. Only meaningful after Done is
// closed.
func (r *Renewer) StopReason() StopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason
}

func (r *Renewer) setStopReason(reason StopReason) {
	r.mu.Lock()
	r.stopReason = reason
	r.mu.Unlock()
}

// Run drives the renewal loop until ctx is canceled or a terminal
// condition is reached. It must be called exactly once, from its own
// goroutine.
func (r *Renewer) Run(ctx context.Context) {
	defer close(r.done)

	errCount := 0
	firstSucceeded := false

	for {
		lockedUntil, err := r.client.Renew(ctx, r.pool, r.requestID, r.token)
		if err == nil {
			errCount = 0
			r.mu.Lock()
			r.lockedUntil = lockedUntil
			r.mu.Unlock()

			if !firstSucceeded {
				firstSucceeded = true
				close(r.firstRenewalSucceeded)
			}
			r.client.SetConnectionTimeout(orchestration.ConnectionKindOrchestration, normalTimeout)

			if !r.sleep(ctx, r.interval) {
				r.setStopReason(StopReasonCanceled)
				return
			}
			continue
		}

		if orchestration.IsTerminal(err) {
			r.log.Printf("requestID=%d renewal stopped: job is gone (%v)", r.requestID, err)
			r.setStopReason(StopReasonJobGone)
			return
		}

		errCount++
		if r.metrics != nil {
			r.metrics.LeaseRenewalErrors.Inc()
		}
		r.client.SetConnectionTimeout(orchestration.ConnectionKindOrchestration, loweredTimeout)
		_ = r.client.RefreshConnection(ctx, orchestration.ConnectionKindOrchestration, loweredTimeout)

		if !firstSucceeded {
			if errCount >= maxPreSuccessAttempts {
				r.log.Printf("requestID=%d first renewal never succeeded after %d attempts", r.requestID, errCount)
				r.setStopReason(StopReasonRetriesExhausted)
				return
			}
			if !r.sleep(ctx, randDuration(preSuccessBackoffMin, preSuccessBackoffMax)) {
				r.setStopReason(StopReasonCanceled)
				return
			}
			continue
		}

		r.mu.Lock()
		lu := r.lockedUntil
		r.mu.Unlock()
		if time.Now().After(lu.Add(postSuccessGrace)) {
			r.log.Printf("requestID=%d lease expired (lockedUntil=%s)", r.requestID, lu)
			r.setStopReason(StopReasonLeaseExpired)
			return
		}

		var backoff time.Duration
		if errCount <= errorCountThreshold {
			backoff = randDuration(postSuccessBackoffMinLow, postSuccessBackoffMaxLow)
		} else {
			backoff = randDuration(postSuccessBackoffMinHigh, postSuccessBackoffMaxHigh)
		}
		if !r.sleep(ctx, backoff) {
			r.setStopReason(StopReasonCanceled)
			return
		}
	}
}

// sleep waits for d or ctx cancellation, returning false in the latter
// case so every sleep in the renewer is cancellation-aware (§5).
func (r *Renewer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
