// Package engine implements the retry execution core: per-target retry loops,
// the retry-id registry that cancels superseded loops, and the coordinator
// that fans one invocation out into independent loops and joins their
// outcomes.
package engine

import (
	"context"
	"time"

	retry "github.com/goliatone/go-retry"
	"github.com/goliatone/go-retry/expression"
	"github.com/goliatone/go-retry/target"
)

// WaitFunc suspends until the duration elapses or ctx is done. Tests inject
// a recording implementation so backoff sequences run without real sleeps.
type WaitFunc func(ctx context.Context, d time.Duration) error

func defaultWait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger retry.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRepairReporter wires the repair-ticket subsystem.
func WithRepairReporter(repair retry.RepairReporter) Option {
	return func(e *Engine) {
		e.repair = repair
	}
}

// WithInstallOptions applies the install-time options loaded at startup.
func WithInstallOptions(opts retry.Options) Option {
	return func(e *Engine) {
		e.options = opts
	}
}

// WithWaitFunc replaces the real-time wait used between attempts and state
// checks.
func WithWaitFunc(wait WaitFunc) Option {
	return func(e *Engine) {
		if wait != nil {
			e.wait = wait
		}
	}
}

// WithRegistry shares a retry-id registry between engines.
func WithRegistry(reg *Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.registry = reg
		}
	}
}

// Engine owns the shared collaborators and the retry-id registry. It is safe
// for concurrent use; all per-invocation state lives in the loops it spawns.
type Engine struct {
	invoker  retry.Invoker
	states   retry.StateProvider
	repair   retry.RepairReporter
	logger   retry.Logger
	options  retry.Options
	eval     *expression.Evaluator
	resolver *target.Resolver
	registry *Registry
	wait     WaitFunc
}

// New creates an engine bound to the host's action invoker and state store.
// The state provider may be nil when the host has no entity concept.
func New(invoker retry.Invoker, states retry.StateProvider, opts ...Option) *Engine {
	e := &Engine{
		invoker:  invoker,
		states:   states,
		logger:   retry.NewFmtLogger(nil),
		registry: NewRegistry(),
		wait:     defaultWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = retry.NormalizeLogger(e.logger)
	e.eval = expression.New(expression.WithStateProvider(states))
	e.resolver = target.NewResolver(states)
	return e
}

// Registry exposes the engine's retry-id registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Evaluator exposes the engine's expression evaluator so callers sharing the
// engine (the script runner) compile conditions against the same state
// helpers.
func (e *Engine) Evaluator() *expression.Evaluator {
	return e.eval
}

// Logger returns the engine logger.
func (e *Engine) Logger() retry.Logger {
	return e.logger
}

// InvokeOnce performs a single host invocation with no retry semantics.
func (e *Engine) InvokeOnce(ctx context.Context, spec retry.Spec) (any, error) {
	return e.invoker.Invoke(ctx, spec.Action, spec.Target, spec.Params)
}

func (e *Engine) waitSeconds(ctx context.Context, seconds float64) error {
	if seconds <= 0 {
		return ctx.Err()
	}
	return e.wait(ctx, time.Duration(seconds*float64(time.Second)))
}
