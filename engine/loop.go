package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"

	apperrors "github.com/goliatone/go-errors"

	retry "github.com/goliatone/go-retry"
)

// errSuperseded is the cancellation cause installed when a newer invocation
// takes over a loop's retry id.
var errSuperseded = stderrors.New("superseded by a newer retry")

// outcome is the terminal report of one loop.
type outcome struct {
	entityID  string
	response  any
	err       error
	cancelled bool
	attempts  int
}

// loop runs the retry state machine for one resolved target. Attempts are
// strictly sequential; the attempt counter is zero-based and is the value
// backoff expressions observe.
type loop struct {
	eng      *Engine
	inv      *invocation
	entityID string
	cancel   <-chan struct{}
	attempt  int
	desc     string
}

func (e *Engine) newLoop(inv *invocation, entityID string, cancel <-chan struct{}) *loop {
	return &loop{
		eng:      e,
		inv:      inv,
		entityID: entityID,
		cancel:   cancel,
		desc:     inv.descriptor(entityID),
	}
}

func (l *loop) run(ctx context.Context) outcome {
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	if l.cancel != nil {
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-l.cancel:
				stop(errSuperseded)
			case <-watchDone:
			case <-runCtx.Done():
			}
		}()
	}

	if l.precheckApplies() {
		if err := l.eng.waitSeconds(runCtx, l.inv.stateDelay); err != nil {
			return l.interrupted(runCtx)
		}
		if l.checkState() && l.checkValidation() {
			l.eng.logger.Debug("[Skipped]: %s already satisfied", l.desc)
			return outcome{entityID: l.entityID}
		}
	}

	for {
		if runCtx.Err() != nil {
			return l.interrupted(runCtx)
		}

		response, err := l.eng.invoker.Invoke(runCtx, l.inv.action, l.target(), l.inv.spec.Params)
		if err == nil {
			err = l.validate(runCtx)
		}
		if runCtx.Err() != nil {
			return l.interrupted(runCtx)
		}

		if err == nil {
			if l.attempt == 0 {
				l.eng.logger.Debug("[Succeeded]: attempt 1/%d: %s", l.inv.retries, l.desc)
			} else {
				l.eng.logger.Info("[Succeeded]: attempt %d/%d: %s", l.attempt+1, l.inv.retries, l.desc)
			}
			return outcome{entityID: l.entityID, response: response, attempts: l.attempt + 1}
		}

		if l.attempt >= l.inv.retries-1 {
			return l.exhaust(runCtx, err)
		}
		l.eng.logger.Warn("[Failed]: attempt %d/%d: %s: %v", l.attempt+1, l.inv.retries, l.desc, err)

		delay, derr := l.inv.backoff.Float(l.inv.vars(l.entityID, l.attempt))
		if derr != nil {
			return l.exhaust(runCtx, derr)
		}
		if werr := l.eng.waitSeconds(runCtx, delay); werr != nil {
			return l.interrupted(runCtx)
		}
		l.attempt++
	}
}

// precheckApplies gates the optional pre-attempt state check: only when a
// state or validation check is configured, targets are isolated, and the
// install options allow skipping the first real attempt.
func (l *loop) precheckApplies() bool {
	if l.eng.options.DisableInitialCheck || !l.inv.spec.Isolate() {
		return false
	}
	return len(l.inv.expected) > 0 || l.inv.validation != nil
}

func (l *loop) target() retry.TargetSpec {
	if l.entityID == "" {
		return l.inv.spec.Target
	}
	return retry.TargetSpec{Entities: []string{l.entityID}}
}

// validate performs the two-phase post-attempt confirmation: a check after
// state_delay, then a final check after state_grace. Only the second failure
// counts against the attempt.
func (l *loop) validate(ctx context.Context) error {
	if len(l.inv.expected) == 0 && l.inv.validation == nil {
		return nil
	}
	if err := l.eng.waitSeconds(ctx, l.inv.stateDelay); err != nil {
		return err
	}
	if l.checkState() && l.checkValidation() {
		return nil
	}
	if err := l.eng.waitSeconds(ctx, l.inv.stateGrace); err != nil {
		return err
	}
	if !l.checkState() {
		state := "unavailable"
		if l.eng.states != nil {
			if current, _, err := l.eng.states.State(l.entityID); err == nil {
				state = current
			}
		}
		return retry.CloneError(retry.ErrStateMismatch,
			fmt.Sprintf("%s state is %q but expecting one of %v", l.entityID, state, l.inv.expected),
			nil, map[string]any{"entity_id": l.entityID, "state": state})
	}
	if !l.checkValidation() {
		return retry.CloneError(retry.ErrStateMismatch,
			fmt.Sprintf("%q is false", l.inv.validation.Source()),
			nil, map[string]any{"entity_id": l.entityID})
	}
	return nil
}

// checkState compares the target's current state against the expected list.
// A target whose state cannot be read fails the check.
func (l *loop) checkState() bool {
	if len(l.inv.expected) == 0 || l.entityID == "" {
		return true
	}
	if l.eng.states == nil {
		return false
	}
	state, _, err := l.eng.states.State(l.entityID)
	if err != nil {
		return false
	}
	for _, expected := range l.inv.expected {
		if state == expected {
			return true
		}
		have, err1 := strconv.ParseFloat(state, 64)
		want, err2 := strconv.ParseFloat(expected, 64)
		if err1 == nil && err2 == nil && have == want {
			return true
		}
	}
	return false
}

func (l *loop) checkValidation() bool {
	if l.inv.validation == nil {
		return true
	}
	ok, err := l.inv.validation.Bool(l.inv.vars(l.entityID, l.attempt))
	if err != nil {
		l.eng.logger.Warn("validation evaluation failed for %s: %v", l.desc, err)
		return false
	}
	return ok
}

// exhaust terminates the loop after its final failed attempt: error log,
// optional repair ticket, then the on_error sequence.
func (l *loop) exhaust(ctx context.Context, cause error) outcome {
	l.eng.logger.Error("[Failed]: attempt %d/%d: %s: %v", l.attempt+1, l.inv.retries, l.desc, cause)
	if l.inv.repair && l.eng.repair != nil {
		l.eng.repair.Report(l.desc, cause.Error())
	}
	if l.inv.spec.OnError != nil {
		if err := l.inv.spec.OnError(ctx, l.inv.vars(l.entityID, l.attempt)); err != nil {
			l.eng.logger.Error("on_error sequence failed for %s: %v", l.desc, err)
		}
	}
	return outcome{
		entityID: l.entityID,
		attempts: l.attempt + 1,
		err: retry.CloneError(retry.ErrExhausted,
			fmt.Sprintf("%s failed after %d attempts", l.desc, l.inv.retries),
			cause, l.errMetadata()),
	}
}

// interrupted reports cancellation: supersession through the retry id, or
// the caller's context ending. Neither path runs on_error or files repairs.
func (l *loop) interrupted(ctx context.Context) outcome {
	cause := context.Cause(ctx)
	if stderrors.Is(cause, errSuperseded) {
		l.eng.logger.Info("[Cancelled]: attempt %d/%d: %s", l.attempt+1, l.inv.retries, l.desc)
		return outcome{
			entityID:  l.entityID,
			cancelled: true,
			attempts:  l.attempt,
			err: retry.CloneError(retry.ErrCancelled,
				fmt.Sprintf("%s superseded by a newer retry", l.desc),
				nil, l.errMetadata()),
		}
	}
	l.eng.logger.Debug("[Aborted]: attempt %d/%d: %s: %v", l.attempt+1, l.inv.retries, l.desc, cause)
	return outcome{
		entityID: l.entityID,
		attempts: l.attempt,
		err: apperrors.Wrap(cause, apperrors.CategoryExternal, "retry aborted").
			WithTextCode(retry.ErrCodeCancelled).
			WithMetadata(l.errMetadata()),
	}
}

func (l *loop) errMetadata() map[string]any {
	meta := map[string]any{
		"action":  l.inv.action,
		"retries": l.inv.retries,
	}
	if l.entityID != "" {
		meta["entity_id"] = l.entityID
	}
	return meta
}
