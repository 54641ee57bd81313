package script

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"

	retry "github.com/goliatone/go-retry"
	"github.com/goliatone/go-retry/engine"
)

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger retry.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithWaitFunc replaces the real-time wait used by delay steps.
func WithWaitFunc(wait engine.WaitFunc) RunnerOption {
	return func(r *Runner) {
		if wait != nil {
			r.wait = wait
		}
	}
}

// Runner executes sequences. Wrapped action steps detach into background
// retry invocations whose outcomes never feed back into the sequence's
// control flow; unwrapped action steps invoke the host directly and their
// errors stop the sequence.
type Runner struct {
	eng    *engine.Engine
	logger retry.Logger
	wait   engine.WaitFunc
}

// NewRunner creates a runner over the retry engine.
func NewRunner(eng *engine.Engine, opts ...RunnerOption) *Runner {
	r := &Runner{
		eng:    eng,
		logger: eng.Logger(),
		wait: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = retry.NormalizeLogger(r.logger)
	return r
}

// RunWrapped wraps seq with cfg, validates every wrapped leaf so
// configuration errors surface before anything runs in the background, and
// then executes it.
func (r *Runner) RunWrapped(ctx context.Context, seq Sequence, cfg retry.Config, vars map[string]any) error {
	wrapped, err := Wrap(seq, cfg)
	if err != nil {
		return err
	}
	if err := r.validateActions(wrapped); err != nil {
		return err
	}
	return r.Run(ctx, wrapped, vars)
}

// Run executes the sequence serially with the given starting variables.
func (r *Runner) Run(ctx context.Context, seq Sequence, vars map[string]any) error {
	return r.runSequence(ctx, seq, copyVars(vars))
}

// Handler adapts a sequence into an exhaustion handler for retry specs.
func (r *Runner) Handler(seq Sequence) retry.ErrorHandler {
	return func(ctx context.Context, vars map[string]any) error {
		return r.Run(ctx, seq, vars)
	}
}

func (r *Runner) runSequence(ctx context.Context, seq Sequence, vars map[string]any) error {
	for i, step := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStep(ctx, step, vars); err != nil {
			return apperrors.Wrap(err, apperrors.CategoryHandler, "sequence step failed").
				WithTextCode(ErrCodeStepFailed).
				WithMetadata(map[string]any{"step": i, "kind": string(step.Kind())})
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step, vars map[string]any) error {
	switch step.Kind() {
	case KindAction:
		return r.runAction(ctx, step.Action)
	case KindDelay:
		return r.wait(ctx, time.Duration(*step.Delay*float64(time.Second)))
	case KindVariables:
		for k, v := range step.Variables {
			vars[k] = v
		}
		return nil
	case KindIf:
		ok, err := r.condition(step.If.Condition, vars)
		if err != nil {
			return err
		}
		if ok {
			return r.runSequence(ctx, step.If.Then, vars)
		}
		return r.runSequence(ctx, step.If.Else, vars)
	case KindChoose:
		for _, choice := range step.Choose.Choices {
			ok, err := r.condition(choice.Conditions, vars)
			if err != nil {
				return err
			}
			if ok {
				return r.runSequence(ctx, choice.Sequence, vars)
			}
		}
		return r.runSequence(ctx, step.Choose.Default, vars)
	case KindRepeat:
		return r.runRepeat(ctx, step.Repeat, vars)
	case KindParallel:
		return r.runParallel(ctx, step.Parallel, vars)
	default:
		return r.runSequence(ctx, step.Sequence, vars)
	}
}

func (r *Runner) runAction(ctx context.Context, action *ActionStep) error {
	spec := retry.Spec{
		Action: action.Action,
		Target: action.Target,
		Params: action.Data,
	}
	if action.Retry == nil {
		_, err := r.eng.InvokeOnce(ctx, spec)
		return err
	}
	spec.Config = *action.Retry
	return r.eng.Detach(ctx, spec)
}

func (r *Runner) runRepeat(ctx context.Context, repeat *RepeatStep, vars map[string]any) error {
	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if repeat.While != "" {
			ok, err := r.condition(repeat.While, vars)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		} else if iteration >= repeat.Count {
			return nil
		}
		iteration++
		vars["repeat"] = map[string]any{"index": iteration}
		if err := r.runSequence(ctx, repeat.Sequence, vars); err != nil {
			return err
		}
	}
}

func (r *Runner) runParallel(ctx context.Context, branches []Branch, vars map[string]any) error {
	var wg sync.WaitGroup
	errs := make([]error, len(branches))
	for i, branch := range branches {
		wg.Add(1)
		go func(i int, seq Sequence) {
			defer wg.Done()
			errs[i] = r.runSequence(ctx, seq, copyVars(vars))
		}(i, branch.Sequence)
	}
	wg.Wait()

	var joined error
	for _, err := range errs {
		if err != nil {
			joined = apperrors.Join(joined, err)
		}
	}
	return joined
}

func (r *Runner) condition(src string, vars map[string]any) (bool, error) {
	prog, err := r.eng.Evaluator().CompileBool(src)
	if err != nil {
		return false, err
	}
	return prog.Bool(vars)
}

// validateActions compiles every wrapped leaf spec so bad configuration is
// rejected before the sequence starts.
func (r *Runner) validateActions(seq Sequence) error {
	for _, step := range seq {
		var err error
		switch step.Kind() {
		case KindAction:
			if step.Action.Retry != nil {
				spec := retry.Spec{
					Action: step.Action.Action,
					Target: step.Action.Target,
					Params: step.Action.Data,
					Config: *step.Action.Retry,
				}
				err = r.eng.Validate(spec)
			}
		case KindIf:
			if err = r.validateActions(step.If.Then); err == nil {
				err = r.validateActions(step.If.Else)
			}
		case KindChoose:
			for _, choice := range step.Choose.Choices {
				if err = r.validateActions(choice.Sequence); err != nil {
					break
				}
			}
			if err == nil {
				err = r.validateActions(step.Choose.Default)
			}
		case KindRepeat:
			err = r.validateActions(step.Repeat.Sequence)
		case KindParallel:
			for _, branch := range step.Parallel {
				if err = r.validateActions(branch.Sequence); err != nil {
					break
				}
			}
		case KindSequence:
			err = r.validateActions(step.Sequence)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
