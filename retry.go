package retry

import (
	"context"
	"strings"
)

// Defaults applied by the engine when a Spec leaves the field zero-valued.
const (
	DefaultRetries    = 7
	DefaultBackoff    = "[[ 2 ** attempt ]]"
	DefaultStateGrace = 0.2
)

// MatchAll is the entity sentinel that resolves to every entity of the
// action's domain.
const MatchAll = "all"

// ErrorHandler runs after a retry loop exhausts all attempts. The variable
// map carries the same context that backoff and validation expressions see.
type ErrorHandler func(ctx context.Context, vars map[string]any) error

// Config holds the retry behavior shared by every loop spawned from one
// invocation. The zero value means "use defaults" for every field.
type Config struct {
	// Retries is the maximum number of attempts, at least 1. Zero selects
	// DefaultRetries.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
	// Backoff is a plain number of seconds (linear backoff) or a "[[ ]]"
	// expression over the attempt counter. Empty selects DefaultBackoff.
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	// ExpectedState lists acceptable target states after an attempt.
	// Entries may be "[[ ]]" templates, rendered once at setup.
	ExpectedState []string `json:"expected_state,omitempty" yaml:"expected_state,omitempty"`
	// Validation is an optional "[[ ]]" boolean expression checked after
	// each attempt, alongside ExpectedState.
	Validation string `json:"validation,omitempty" yaml:"validation,omitempty"`
	// StateDelay is the wait in seconds before the first post-attempt check.
	StateDelay float64 `json:"state_delay,omitempty" yaml:"state_delay,omitempty"`
	// StateGrace is the wait in seconds before the second, final check.
	// Zero selects DefaultStateGrace.
	StateGrace float64 `json:"state_grace,omitempty" yaml:"state_grace,omitempty"`
	// RetryID keys cancellation between overlapping loops. Nil derives the
	// id from the target entity or the action name; a pointer to the empty
	// string disables cancellation for this invocation.
	RetryID *string `json:"retry_id,omitempty" yaml:"retry_id,omitempty"`
	// Repair overrides the install-time repair-ticket default.
	Repair *bool `json:"repair,omitempty" yaml:"repair,omitempty"`
	// OnError runs once per exhausted loop. Never runs on cancellation.
	OnError ErrorHandler `json:"-" yaml:"-"`
}

// TargetSpec selects the entities an action applies to, directly or through
// devices and areas.
type TargetSpec struct {
	Entities []string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	Devices  []string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Areas    []string `json:"area_id,omitempty" yaml:"area_id,omitempty"`
}

// Empty reports whether the spec references no target at all.
func (t TargetSpec) Empty() bool {
	return len(t.Entities) == 0 && len(t.Devices) == 0 && len(t.Areas) == 0
}

// Spec is the immutable configuration for one retried invocation.
type Spec struct {
	// Action is the inner action id in "domain.name" form. It may itself be
	// a "[[ ]]" template, rendered once at setup.
	Action string `json:"action" yaml:"action"`
	Target TargetSpec `json:"target,omitempty" yaml:"target,omitempty"`
	// Params are forwarded to the inner action unmodified.
	Params map[string]any `json:"data,omitempty" yaml:"data,omitempty"`

	Config `yaml:",inline"`

	// IsolateTargets runs one independent loop per resolved entity. Nil
	// means true; set to false to retry the whole call as a unit.
	IsolateTargets *bool `json:"isolate_targets,omitempty" yaml:"isolate_targets,omitempty"`
}

// Isolate resolves the per-target isolation flag, defaulting to true.
func (s Spec) Isolate() bool {
	return s.IsolateTargets == nil || *s.IsolateTargets
}

// ActionDomain returns the "domain" part of a "domain.name" action id.
func ActionDomain(action string) string {
	if idx := strings.IndexByte(action, '.'); idx > 0 {
		return action[:idx]
	}
	return ""
}
