// Package report implements component C: the completion reporter. It
// informs the orchestration service of a job's terminal result, with
// fixed-delay retry on transient failures, and skips reporting
// entirely when the job's plan advertises JobCompletedPlanEvent
// (§4.C).
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/agentlog"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/metrics"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/model"
	"github.com/pipeline-foundation/azure-pipelines-agent/internal/orchestration"
)

const (
	maxAttempts = 5
	fixedDelay  = 5 * time.Second
)

// Reporter reports a job's terminal outcome to the orchestration
// service.
type Reporter struct {
	client  orchestration.Client
	log     *agentlog.Logger
	metrics *metrics.Metrics
}

// New builds a Reporter.
func New(client orchestration.Client, log *agentlog.Logger, m *metrics.Metrics) *Reporter {
	return &Reporter{client: client, log: log, metrics: m}
}

// Report calls the server's finish-request endpoint, retrying up to
// maxAttempts times with a fixed delay on any transient error.
// JobNotFound/JobTokenExpired are absorbed silently (the server
// already considers the job terminal). If the plan advertises
// JobCompletedPlanEvent, reporting is skipped entirely — the worker
// already emitted the terminal event, and a second report would be a
// protocol error.
func (r *Reporter) Report(ctx context.Context, pool string, requestID int64, plan model.JobPlan, outcome model.Outcome, detail string) error {
	if plan.HasFeature(model.FeatureJobCompletedPlanEvent) {
		r.log.Printf("requestID=%d skipping report: worker owns JobCompletedPlanEvent", requestID)
		return nil
	}

	var errs []error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := r.client.Finish(ctx, pool, requestID, outcome.String(), detail, time.Now())
		if err == nil {
			return nil
		}
		if orchestration.IsTerminal(err) {
			r.log.Printf("requestID=%d finish absorbed terminal error: %v", requestID, err)
			return nil
		}

		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(fixedDelay):
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return fmt.Errorf("report: requestID=%d: %w", requestID, errors.Join(errs...))
		}
		if r.metrics != nil {
			r.metrics.ReportRetries.Inc()
		}
	}

	return fmt.Errorf("report: requestID=%d exhausted %d attempts: %w", requestID, maxAttempts, errors.Join(errs...))
}
