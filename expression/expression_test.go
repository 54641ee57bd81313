package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retry "github.com/goliatone/go-retry"
)

type stubStates struct {
	states map[string]string
}

func (s *stubStates) State(entityID string) (string, map[string]any, error) {
	state, ok := s.states[entityID]
	if !ok {
		return "", nil, assert.AnError
	}
	return state, nil, nil
}

func (s *stubStates) ExpandGroup(string) []string    { return nil }
func (s *stubStates) ResolveArea(string) []string    { return nil }
func (s *stubStates) ResolveDevice(string) []string  { return nil }
func (s *stubStates) DomainEntities(string) []string { return nil }

func TestCompileDelayPlainNumber(t *testing.T) {
	prog, err := New().CompileDelay("10")
	require.NoError(t, err)

	for attempt := 0; attempt < 7; attempt++ {
		seconds, err := prog.Float(map[string]any{"attempt": attempt})
		require.NoError(t, err)
		assert.Equal(t, 10.0, seconds)
	}
}

func TestCompileDelayDefaultBackoff(t *testing.T) {
	prog, err := New().CompileDelay(retry.DefaultBackoff)
	require.NoError(t, err)

	want := []float64{1, 2, 4, 8, 16, 32}
	for attempt, expected := range want {
		seconds, err := prog.Float(map[string]any{"attempt": attempt})
		require.NoError(t, err)
		assert.Equal(t, expected, seconds, "attempt %d", attempt)
	}
}

func TestCompileDelayScaledExponential(t *testing.T) {
	prog, err := New().CompileDelay("[[ 10 * 2 ** attempt ]]")
	require.NoError(t, err)

	want := []float64{10, 20, 40, 80, 160, 320}
	for attempt, expected := range want {
		seconds, err := prog.Float(map[string]any{"attempt": attempt})
		require.NoError(t, err)
		assert.Equal(t, expected, seconds, "attempt %d", attempt)
	}
}

func TestCompileDelayRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"not a number", "ten seconds"},
		{"negative literal", "-5"},
		{"malformed template", "[[ 2 ** ]]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New().CompileDelay(tc.src)
			require.Error(t, err)
			assert.True(t, retry.IsInvalidSpec(err))
		})
	}
}

func TestCompileBoolRequiresTemplate(t *testing.T) {
	_, err := New().CompileBool("true")
	require.Error(t, err)
	assert.True(t, retry.IsInvalidSpec(err))
}

func TestBoolCoercion(t *testing.T) {
	cases := []struct {
		src  string
		want bool
	}{
		{"[[ true ]]", true},
		{"[[ 1 == 2 ]]", false},
		{"[[ 5 ]]", true},
		{"[[ 0 ]]", false},
		{"[[ \"on\" ]]", true},
		{"[[ \"off\" ]]", false},
		{"[[ \"YES\" ]]", true},
	}
	for _, tc := range cases {
		prog, err := New().CompileBool(tc.src)
		require.NoError(t, err, tc.src)
		got, err := prog.Bool(nil)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}
}

func TestStateHelpers(t *testing.T) {
	eval := New(WithStateProvider(&stubStates{states: map[string]string{
		"light.porch": "on",
	}}))

	prog, err := eval.CompileBool(`[[ is_state("light.porch", "on") ]]`)
	require.NoError(t, err)
	ok, err := prog.Bool(nil)
	require.NoError(t, err)
	assert.True(t, ok)

	prog, err = eval.CompileBool(`[[ state("light.porch") == "off" ]]`)
	require.NoError(t, err)
	ok, err = prog.Bool(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// unknown entities read as empty state
	prog, err = eval.CompileBool(`[[ state("light.gone") == "" ]]`)
	require.NoError(t, err)
	ok, err = prog.Bool(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompileStringLiteralAndTemplate(t *testing.T) {
	eval := New()

	prog, err := eval.CompileString("light.turn_on")
	require.NoError(t, err)
	out, err := prog.String(nil)
	require.NoError(t, err)
	assert.Equal(t, "light.turn_on", out)

	prog, err = eval.CompileString(`[[ "light.turn_" + mode ]]`)
	require.NoError(t, err)
	out, err = prog.String(map[string]any{"mode": "off"})
	require.NoError(t, err)
	assert.Equal(t, "light.turn_off", out)
}

func TestCompileStringEmbeddedTokens(t *testing.T) {
	eval := New()

	prog, err := eval.CompileString("light.[[ mode ]]_on")
	require.NoError(t, err)
	out, err := prog.String(map[string]any{"mode": "turn"})
	require.NoError(t, err)
	assert.Equal(t, "light.turn_on", out)

	// several tokens, non-string results rendered with %v
	prog, err = eval.CompileString("[[ domain ]].dim_[[ level * 2 ]]")
	require.NoError(t, err)
	out, err = prog.String(map[string]any{"domain": "light", "level": 25})
	require.NoError(t, err)
	assert.Equal(t, "light.dim_50", out)

	_, err = eval.CompileString("light.[[ mode _on")
	require.Error(t, err)
	assert.True(t, retry.IsInvalidSpec(err))
}

func TestEvaluationUsesCallParameters(t *testing.T) {
	prog, err := New().CompileDelay("[[ base * (attempt + 1) ]]")
	require.NoError(t, err)
	seconds, err := prog.Float(map[string]any{"attempt": 2, "base": 3})
	require.NoError(t, err)
	assert.Equal(t, 9.0, seconds)
}
