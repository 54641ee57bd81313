package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	retry "github.com/goliatone/go-retry"
	"github.com/goliatone/go-retry/expression"
)

// invocation is the compiled, immutable form of a Spec. Everything that can
// fail over configuration fails here, before any loop starts.
type invocation struct {
	id         string
	spec       retry.Spec
	action     string
	retries    int
	backoff    *expression.Program
	expected   []string
	validation *expression.Program
	stateDelay float64
	stateGrace float64
	repair     bool
}

func (e *Engine) compile(spec retry.Spec) (*invocation, error) {
	inv := &invocation{
		id:   uuid.NewString(),
		spec: spec,
	}

	actionProg, err := e.eval.CompileString(spec.Action)
	if err != nil {
		return nil, err
	}
	inv.action, err = actionProg.String(baseVars(spec, ""))
	if err != nil {
		return nil, retry.CloneError(retry.ErrInvalidSpec, "failed to render action id", err,
			map[string]any{"action": spec.Action})
	}
	inv.action = strings.ToLower(strings.TrimSpace(inv.action))
	if retry.ActionDomain(inv.action) == "" {
		return nil, retry.CloneError(retry.ErrInvalidSpec, "action must use the domain.name form", nil,
			map[string]any{"action": inv.action})
	}

	inv.retries = spec.Retries
	if inv.retries == 0 {
		inv.retries = retry.DefaultRetries
	}
	if inv.retries < 1 {
		return nil, retry.CloneError(retry.ErrInvalidSpec, "retries must be at least 1", nil,
			map[string]any{"retries": spec.Retries})
	}

	backoff := spec.Backoff
	if strings.TrimSpace(backoff) == "" {
		backoff = retry.DefaultBackoff
	}
	if inv.backoff, err = e.eval.CompileDelay(backoff); err != nil {
		return nil, err
	}

	for _, entry := range spec.ExpectedState {
		prog, err := e.eval.CompileString(entry)
		if err != nil {
			return nil, err
		}
		rendered, err := prog.String(baseVars(spec, inv.action))
		if err != nil {
			return nil, retry.CloneError(retry.ErrInvalidSpec, "failed to render expected state", err,
				map[string]any{"expected_state": entry})
		}
		inv.expected = append(inv.expected, rendered)
	}

	if spec.Validation != "" {
		if inv.validation, err = e.eval.CompileBool(spec.Validation); err != nil {
			return nil, err
		}
	}

	if spec.StateDelay < 0 || spec.StateGrace < 0 {
		return nil, retry.CloneError(retry.ErrInvalidSpec, "state_delay and state_grace must not be negative", nil,
			map[string]any{"state_delay": spec.StateDelay, "state_grace": spec.StateGrace})
	}
	inv.stateDelay = spec.StateDelay
	inv.stateGrace = spec.StateGrace
	if inv.stateGrace == 0 {
		inv.stateGrace = retry.DefaultStateGrace
	}

	if spec.Repair != nil {
		inv.repair = *spec.Repair
	} else {
		inv.repair = !e.options.DisableRepair
	}

	return inv, nil
}

// retryID derives the cancellation key for one loop: the explicit override
// when set (empty disables cancellation), else the entity id, else the
// action name.
func (inv *invocation) retryID(entityID string) string {
	if inv.spec.RetryID != nil {
		return *inv.spec.RetryID
	}
	if entityID != "" {
		return entityID
	}
	return inv.action
}

// vars builds the variable context shared by backoff, validation and
// on_error evaluation.
func (inv *invocation) vars(entityID string, attempt int) map[string]any {
	vars := baseVars(inv.spec, inv.action)
	if entityID != "" {
		vars["entity_id"] = entityID
	}
	vars["attempt"] = attempt
	return vars
}

func baseVars(spec retry.Spec, action string) map[string]any {
	vars := make(map[string]any, len(spec.Params)+2)
	for k, v := range spec.Params {
		vars[k] = v
	}
	if action != "" {
		vars["action"] = action
	}
	return vars
}

// descriptor renders the human-readable form of one loop's call, used in
// logs and repair tickets: the action with its parameters, then any retry
// parameters that differ from the defaults.
func (inv *invocation) descriptor(entityID string) string {
	var params []string
	if entityID != "" {
		params = append(params, "entity_id="+entityID)
	}
	keys := make([]string, 0, len(inv.spec.Params))
	for k := range inv.spec.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params = append(params, fmt.Sprintf("%s=%v", k, inv.spec.Params[k]))
	}
	call := fmt.Sprintf("%s(%s)", inv.action, strings.Join(params, ", "))

	var extras []string
	if len(inv.expected) == 1 {
		extras = append(extras, "expected_state="+inv.expected[0])
	} else if len(inv.expected) > 1 {
		extras = append(extras, fmt.Sprintf("expected_state in (%s)", strings.Join(inv.expected, ", ")))
	}
	if src := inv.backoff.Source(); src != retry.DefaultBackoff {
		extras = append(extras, fmt.Sprintf("backoff=%q", src))
	}
	if inv.validation != nil {
		extras = append(extras, fmt.Sprintf("validation=%q", inv.validation.Source()))
	}
	if inv.stateDelay != 0 {
		extras = append(extras, fmt.Sprintf("state_delay=%v", inv.stateDelay))
	}
	if inv.stateGrace != retry.DefaultStateGrace {
		extras = append(extras, fmt.Sprintf("state_grace=%v", inv.stateGrace))
	}
	if inv.spec.RetryID != nil {
		extras = append(extras, fmt.Sprintf("retry_id=%q", *inv.spec.RetryID))
	}
	if len(extras) > 0 {
		call += "[" + strings.Join(extras, ", ") + "]"
	}
	return call
}
