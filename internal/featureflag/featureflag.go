// Package featureflag is the §6 "feature-flag provider" consumed
// interface: get(name) -> {state: "On" | "Off"}.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package featureflag

// State is a flag's reported state.
type State string

const (
	On  State = "On"
	Off State = "Off"
)

// Provider answers feature-flag lookups.
type Provider interface {
	Get(name string) State
}

// Static is an in-memory Provider, suitable for config-driven flags:
// no corpus repo has a dynamic flag service, so a static map matches
// the corpus's general preference for plain data structures over
// frameworks for small, static lookups.
type Static struct {
	flags map[string]State
}

// NewStatic builds a Static provider from a name->bool map (as loaded
// from YAML config), defaulting any unlisted name to Off.
func NewStatic(enabled map[string]bool) *Static {
	flags := make(map[string]State, len(enabled))
	for name, on := range enabled {
		if on {
			flags[name] = On
		} else {
			flags[name] = Off
		}
	}
	return &Static{flags: flags}
}

// Get implements Provider.
func (s *Static) Get(name string) State {
	if st, ok := s.flags[name]; ok {
		return st
	}
	return Off
}

// IsOn is a convenience wrapper.
func IsOn(p Provider, name string) bool {
	return p.Get(name) == On
}

const (
	// FailJobWhenAgentDies is the flag §4.D step 5 checks during
	// shutdown-triggered termination: when on, the outcome is
	// overridden to Failed and shutdown telemetry is published.
	FailJobWhenAgentDies = "FailJobWhenAgentDies"
)
