package engine

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/goliatone/go-errors"

	retry "github.com/goliatone/go-retry"
)

// Call runs one retried invocation and blocks until every per-target loop
// reaches a terminal outcome. It fails when any loop failed or was cancelled,
// and only after all loops finished; which of several failures surfaces is
// non-deterministic. The response is only meaningful when exactly one loop
// ran.
func (e *Engine) Call(ctx context.Context, spec retry.Spec) (any, error) {
	inv, err := e.compile(spec)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, inv)
}

// Validate compiles the spec and reports configuration errors without
// running anything.
func (e *Engine) Validate(spec retry.Spec) error {
	_, err := e.compile(spec)
	return err
}

// Detach validates the spec synchronously, then runs the invocation in the
// background. Configuration errors surface to the caller; loop outcomes do
// not. The background run outlives ctx cancellation.
func (e *Engine) Detach(ctx context.Context, spec retry.Spec) error {
	inv, err := e.compile(spec)
	if err != nil {
		return err
	}
	background := context.WithoutCancel(ctx)
	go func() {
		if _, err := e.run(background, inv); err != nil {
			// per-loop exhaustion is already logged at error level
			e.logger.Debug("background retry finished with failure: %v", err)
		}
	}()
	return nil
}

func (e *Engine) run(ctx context.Context, inv *invocation) (any, error) {
	targets := e.resolver.Resolve(inv.action, inv.spec.Target, inv.spec.Isolate())

	// acquire before spawning so supersession has a single winner even when
	// two invocations race on the same retry id
	retryIDs := make([]string, len(targets))
	loops := make([]*loop, len(targets))
	for i, entityID := range targets {
		retryIDs[i] = inv.retryID(entityID)
		cancel := e.registry.Acquire(retryIDs[i], inv.id)
		loops[i] = e.newLoop(inv, entityID, cancel)
	}

	outcomes := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, l := range loops {
		wg.Add(1)
		go func(i int, l *loop) {
			defer wg.Done()
			outcomes[i] = l.run(ctx)
		}(i, l)
	}
	wg.Wait()

	for _, retryID := range retryIDs {
		e.registry.Release(retryID, inv.id)
	}

	// a single loop surfaces its outcome as-is; this is the only case where
	// the response payload is meaningful
	if len(outcomes) == 1 {
		return outcomes[0].response, outcomes[0].err
	}

	var joined error
	var response any
	failed := 0
	for _, out := range outcomes {
		if out.err != nil {
			failed++
			joined = apperrors.Join(joined, out.err)
			continue
		}
		if out.response != nil {
			response = out.response
		}
	}

	if joined != nil {
		return response, apperrors.Wrap(joined, apperrors.CategoryHandler,
			fmt.Sprintf("retry invocation failed for %d of %d targets", failed, len(targets))).
			WithTextCode(retry.ErrCodeInvocation).
			WithMetadata(map[string]any{
				"action":        inv.action,
				"total_targets": len(targets),
				"failed":        failed,
			})
	}
	return response, nil
}
