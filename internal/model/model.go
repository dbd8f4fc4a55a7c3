// Package model defines the data shared across the job dispatch core:
// the job request as delivered by the orchestration service, and the
// terminal outcome the core reports back.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package model

import "fmt"

// Outcome is the terminal classification of a dispatch.
type Outcome int

const (
	// OutcomeUnknown is the zero value; no dispatch should report it.
	OutcomeUnknown Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCanceled
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "Succeeded"
	case OutcomeFailed:
		return "Failed"
	case OutcomeCanceled:
		return "Canceled"
	case OutcomeAbandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

// Endpoint is a system connection extracted from a JobRequest: a URL
// paired with an access token.
type Endpoint struct {
	Name  string
	URL   string
	Token string
}

// JobPlan describes the plan a job was generated from: its type,
// version, and the feature flags it advertises.
type JobPlan struct {
	Type    string
	Version string

	// Features is the set of plan-level feature names that are "On".
	// The completion reporter reads JobCompletedPlanEvent from this set;
	// the executor takes FailJobWhenAgentDies from the feature-flag
	// provider, not from here.
	Features map[string]bool
}

// HasFeature reports whether the named plan feature is enabled.
func (p JobPlan) HasFeature(name string) bool {
	if p.Features == nil {
		return false
	}
	return p.Features[name]
}

const (
	// FeatureJobCompletedPlanEvent, when present on a JobPlan, means the
	// worker itself emits the terminal event and the completion reporter
	// (component C) must skip its own report (§4.C).
	FeatureJobCompletedPlanEvent = "JobCompletedPlanEvent"
)

// JobRequest is the input to a single dispatch: the server's lease
// identifier, the plan, the job's variables, and the endpoints a
// system connection is drawn from. It is immutable once delivered.
type JobRequest struct {
	JobID     string
	RequestID int64
	Plan      JobPlan
	Variables map[string]string
	Endpoints []Endpoint
}

// String provides a compact representation for log lines.
func (r JobRequest) String() string {
	return fmt.Sprintf("JobRequest{JobID: %s, RequestID: %d, Plan: %s/%s}", r.JobID, r.RequestID, r.Plan.Type, r.Plan.Version)
}

// SystemConnection returns the endpoint named "SystemVssConnection", the
// connection the worker uses to reach the orchestration service, or
// false if the job carries none.
func (r JobRequest) SystemConnection() (Endpoint, bool) {
	for _, ep := range r.Endpoints {
		if ep.Name == "SystemVssConnection" {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// ExitTranslation maps a worker exit code to an Outcome (§4.A). The
// executor (component D) applies it to the exit code that the worker
// process channel (component A) surfaces.
type ExitTranslation struct {
	// CancelCode is the exit code a worker uses to cooperatively
	// acknowledge a cancel request.
	CancelCode int
	// FailureCodes are exit codes defined as task-level failures, as
	// opposed to crashes.
	FailureCodes map[int]bool
}

// DefaultExitTranslation mirrors the real worker's documented exit
// codes: 0 is success, 1 is a generic task failure, 2 is a cooperative
// cancel acknowledgement.
func DefaultExitTranslation() ExitTranslation {
	return ExitTranslation{
		CancelCode:   2,
		FailureCodes: map[int]bool{1: true},
	}
}

// Translate maps a worker exit code to an Outcome, and reports whether
// the code fell outside the defined set (a crash, per §4.A's table).
func (t ExitTranslation) Translate(exitCode int) (outcome Outcome, crashed bool) {
	switch {
	case exitCode == 0:
		return OutcomeSucceeded, false
	case exitCode == t.CancelCode:
		return OutcomeCanceled, false
	case t.FailureCodes[exitCode]:
		return OutcomeFailed, false
	default:
		return OutcomeFailed, true
	}
}
