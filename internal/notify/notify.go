// Package notify implements the §6 "notification sink" and "telemetry
// publisher" consumed interfaces, plus the timeline-issue-on-crash
// event supplemented into SPEC_FULL.md's scope. Grounded on
// ChuLiYu-raft-recovery/internal/metrics/metrics.go's event taxonomy
// (name what happened, not how), with plain log.Printf fallbacks the
// way swinslow-peridot-core logs everywhere it has no dedicated sink.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package notify

import (
	"time"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/agentlog"
)

// Sink receives job lifecycle notifications (§6).
type Sink interface {
	JobStarted(jobID string, requestID int64)
	JobCompleted(jobID string)
}

// EventKind names a telemetry event.
type EventKind string

const (
	// EventTimelineIssue is published when a worker crashes (§4.D step
	// 4): "attach captured stdio and also emit a separate
	// timeline-issue".
	EventTimelineIssue EventKind = "TimelineIssue"
	// EventShutdownCancel is published when agent shutdown forces a
	// job outcome override per the FailJobWhenAgentDies flag (§4.D
	// step 5).
	EventShutdownCancel EventKind = "ShutdownCancel"
)

// Event is a single telemetry record (§6 telemetry publisher).
type Event struct {
	Kind      EventKind
	JobID     string
	RequestID int64
	Message   string
	// ErrorCount is the increment this event represents against the
	// job record's running error count, mirroring the worked example
	// in §8 scenario 2 ("a timeline issue emitted ... with
	// ErrorCount++").
	ErrorCount int
	At         time.Time
}

// Publisher publishes telemetry events. Failures here are logged and
// swallowed per §7 ("failures of ancillary concerns ... are logged and
// swallowed").
type Publisher interface {
	Publish(evt Event)
}

// LogSink is the default Sink/Publisher: it logs through agentlog.
// Production deployments would inject a sink wired to the agent's
// real telemetry backend; this module only needs the interface plus
// something that doesn't silently drop events in tests and demos.
type LogSink struct {
	log *agentlog.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(log *agentlog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) JobStarted(jobID string, requestID int64) {
	s.log.Printf("job_started jobID=%s requestID=%d", jobID, requestID)
}

func (s *LogSink) JobCompleted(jobID string) {
	s.log.Printf("job_completed jobID=%s", jobID)
}

func (s *LogSink) Publish(evt Event) {
	s.log.Printf("telemetry kind=%s jobID=%s requestID=%d errorCount=%d message=%q",
		evt.Kind, evt.JobID, evt.RequestID, evt.ErrorCount, evt.Message)
}
