package script

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retry "github.com/goliatone/go-retry"
	"github.com/goliatone/go-retry/engine"
)

type recordingInvoker struct {
	mu      sync.Mutex
	actions []string
	fail    map[string]bool
}

func (r *recordingInvoker) Invoke(_ context.Context, action string, _ retry.TargetSpec, _ map[string]any) (any, error) {
	r.mu.Lock()
	r.actions = append(r.actions, action)
	r.mu.Unlock()
	if r.fail[action] {
		return nil, assert.AnError
	}
	return nil, nil
}

func (r *recordingInvoker) invoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.actions))
	copy(out, r.actions)
	return out
}

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestRunner(invoker *recordingInvoker) *Runner {
	eng := engine.New(invoker, nil, engine.WithWaitFunc(noWait))
	return NewRunner(eng, WithWaitFunc(noWait))
}

func TestRunExecutesStepsInOrder(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- action: light.turn_on
- delay: 0.1
- action: switch.turn_on
`))
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background(), seq, nil))
	assert.Equal(t, []string{"light.turn_on", "switch.turn_on"}, invoker.invoked())
}

func TestUnwrappedActionErrorStopsSequence(t *testing.T) {
	invoker := &recordingInvoker{fail: map[string]bool{"light.broken": true}}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- action: light.broken
- action: light.never
`))
	require.NoError(t, err)

	err = runner.Run(context.Background(), seq, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"light.broken"}, invoker.invoked())
}

func TestIfBranchesOnCondition(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- variables:
    mode: night
- if: '[[ mode == "night" ]]'
  then:
    - action: scene.night
  else:
    - action: scene.day
`))
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background(), seq, nil))
	assert.Equal(t, []string{"scene.night"}, invoker.invoked())

	require.NoError(t, runner.Run(context.Background(), seq[1:], map[string]any{"mode": "day"}))
	assert.Equal(t, []string{"scene.night", "scene.day"}, invoker.invoked())
}

func TestChoosePicksFirstMatchingBranch(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- choose:
    - conditions: '[[ level > 80 ]]'
      sequence:
        - action: fan.turn_on
    - conditions: '[[ level > 40 ]]'
      sequence:
        - action: fan.set_medium
  default:
    - action: fan.turn_off
`))
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background(), seq, map[string]any{"level": 60}))
	require.NoError(t, runner.Run(context.Background(), seq, map[string]any{"level": 10}))
	assert.Equal(t, []string{"fan.set_medium", "fan.turn_off"}, invoker.invoked())
}

func TestRepeatCountAndIndexVariable(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- repeat:
    count: 3
    sequence:
      - action: media_player.volume_up
`))
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background(), seq, nil))
	assert.Equal(t, 3, len(invoker.invoked()))
}

func TestRepeatWhileExpression(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	// repeat.index is 1-based inside the sequence
	seq, err := Parse([]byte(`
- repeat:
    while: '[[ repeat == nil || repeat.index < 2 ]]'
    sequence:
      - action: media_player.volume_up
`))
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background(), seq, nil))
	assert.Equal(t, 2, len(invoker.invoked()))
}

func TestParallelRunsEveryBranch(t *testing.T) {
	invoker := &recordingInvoker{fail: map[string]bool{"light.broken": true}}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- parallel:
    - - action: light.broken
    - - action: switch.turn_on
`))
	require.NoError(t, err)

	err = runner.Run(context.Background(), seq, nil)
	require.Error(t, err)
	// the healthy branch still ran
	assert.Contains(t, invoker.invoked(), "switch.turn_on")
}

func TestVariablesScopedPerParallelBranch(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- variables:
    mode: day
- parallel:
    - - variables:
          mode: night
      - if: '[[ mode == "night" ]]'
        then:
          - action: scene.night
    - - if: '[[ mode == "day" ]]'
        then:
          - action: scene.day
`))
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background(), seq, nil))
	invoked := invoker.invoked()
	assert.Contains(t, invoked, "scene.night")
	assert.Contains(t, invoked, "scene.day")
}

func TestRunWrappedDetachesLeafActions(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- action: light.turn_on
- action: switch.turn_on
`))
	require.NoError(t, err)

	require.NoError(t, runner.RunWrapped(context.Background(), seq, retry.Config{Retries: 2}, nil))
	require.Eventually(t, func() bool { return len(invoker.invoked()) == 2 },
		5*time.Second, time.Millisecond)
}

func TestRunWrappedRejectsBadConfigBeforeRunning(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- action: light.turn_on
- action: nodomain
`))
	require.NoError(t, err)

	err = runner.RunWrapped(context.Background(), seq, retry.Config{}, nil)
	require.Error(t, err)
	assert.True(t, retry.IsInvalidSpec(err))
	assert.Empty(t, invoker.invoked())
}

func TestHandlerRunsSequenceWithVars(t *testing.T) {
	invoker := &recordingInvoker{}
	runner := newTestRunner(invoker)

	seq, err := Parse([]byte(`
- if: '[[ entity_id == "light.a" ]]'
  then:
    - action: notify.alert
`))
	require.NoError(t, err)

	handler := runner.Handler(seq)
	require.NoError(t, handler(context.Background(), map[string]any{"entity_id": "light.a"}))
	assert.Equal(t, []string{"notify.alert"}, invoker.invoked())
}
