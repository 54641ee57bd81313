// Package expression evaluates the backoff and validation templates used by
// the retry engine. Templates are delimited with "[[ ]]" so the host's own
// templating layer does not render them before the engine supplies the
// attempt counter.
package expression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	retry "github.com/goliatone/go-retry"
)

const (
	openToken  = "[["
	closeToken = "]]"
)

// IsTemplate reports whether src is a "[[ ]]" delimited expression.
func IsTemplate(src string) bool {
	src = strings.TrimSpace(src)
	return strings.HasPrefix(src, openToken) && strings.HasSuffix(src, closeToken)
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithStateProvider exposes state(entity_id) and is_state(entity_id, value)
// helpers to compiled expressions.
func WithStateProvider(states retry.StateProvider) Option {
	return func(e *Evaluator) {
		e.states = states
	}
}

// Evaluator compiles delay, boolean and string templates. Compilation happens
// once at invocation setup; a malformed template is a configuration error.
type Evaluator struct {
	states retry.StateProvider
}

// New creates an evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CompileDelay accepts a plain non-negative number (linear backoff) or a
// "[[ ]]" expression coerced to seconds at evaluation time.
func (e *Evaluator) CompileDelay(src string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, retry.CloneError(retry.ErrInvalidSpec, "backoff expression is empty", nil, nil)
	}
	if !IsTemplate(trimmed) {
		seconds, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, retry.CloneError(retry.ErrInvalidSpec, "backoff is neither a number nor a template", err,
				map[string]any{"expression": src})
		}
		if seconds < 0 {
			return nil, retry.CloneError(retry.ErrInvalidSpec, "backoff must not be negative", nil,
				map[string]any{"expression": src})
		}
		return &Program{src: src, literal: seconds, eval: e}, nil
	}
	return e.compile(src, trimmed)
}

// CompileBool accepts a "[[ ]]" expression coerced to a boolean at
// evaluation time.
func (e *Evaluator) CompileBool(src string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	if !IsTemplate(trimmed) {
		return nil, retry.CloneError(retry.ErrInvalidSpec, "validation must be a [[ ]] template", nil,
			map[string]any{"expression": src})
	}
	return e.compile(src, trimmed)
}

// CompileString accepts a literal string, a whole-string "[[ ]]" expression,
// or a mixed form with "[[ ]]" tokens embedded anywhere in the literal, e.g.
// "light.[[ mode ]]_on". Embedded tokens render in place at evaluation time.
func (e *Evaluator) CompileString(src string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	// a multi-token string can start with "[[" and end with "]]" too, so the
	// whole-template path requires a single token
	if IsTemplate(trimmed) && strings.Count(trimmed, openToken) == 1 {
		return e.compile(src, trimmed)
	}
	if !strings.Contains(src, openToken) {
		return &Program{src: src, literal: src, eval: e}, nil
	}
	return e.compileMixed(src)
}

func (e *Evaluator) compileMixed(src string) (*Program, error) {
	var parts []part
	rest := src
	for {
		start := strings.Index(rest, openToken)
		if start < 0 {
			if rest != "" {
				parts = append(parts, part{text: rest})
			}
			break
		}
		length := strings.Index(rest[start+len(openToken):], closeToken)
		if length < 0 {
			return nil, retry.CloneError(retry.ErrInvalidSpec, "unterminated template token", nil,
				map[string]any{"expression": src})
		}
		if start > 0 {
			parts = append(parts, part{text: rest[:start]})
		}
		inner := rest[start+len(openToken) : start+len(openToken)+length]
		prog, err := expr.Compile(inner, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, retry.CloneError(retry.ErrInvalidSpec, "malformed expression", err,
				map[string]any{"expression": src})
		}
		parts = append(parts, part{prog: prog})
		rest = rest[start+len(openToken)+length+len(closeToken):]
	}
	return &Program{src: src, parts: parts, eval: e}, nil
}

func (e *Evaluator) compile(src, trimmed string) (*Program, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, openToken), closeToken)
	prog, err := expr.Compile(inner, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, retry.CloneError(retry.ErrInvalidSpec, "malformed expression", err,
			map[string]any{"expression": src})
	}
	return &Program{src: src, prog: prog, eval: e}, nil
}

// part is one segment of a mixed literal/template string: literal text, or a
// compiled token rendered in place.
type part struct {
	text string
	prog *vm.Program
}

// Program is a compiled template. Evaluation is pure: it reads the variable
// map and, through the state helpers, the state provider, and mutates nothing.
type Program struct {
	src     string
	literal any
	prog    *vm.Program
	parts   []part
	eval    *Evaluator
}

// Source returns the original template text.
func (p *Program) Source() string {
	return p.src
}

func (p *Program) run(vars map[string]any) (any, error) {
	if len(p.parts) > 0 {
		return p.runMixed(vars)
	}
	if p.prog == nil {
		return p.literal, nil
	}
	return expr.Run(p.prog, p.eval.env(vars))
}

func (p *Program) runMixed(vars map[string]any) (any, error) {
	env := p.eval.env(vars)
	var b strings.Builder
	for _, seg := range p.parts {
		if seg.prog == nil {
			b.WriteString(seg.text)
			continue
		}
		out, err := expr.Run(seg.prog, env)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, fmt.Errorf("nil token result")
		}
		if s, ok := out.(string); ok {
			b.WriteString(s)
		} else {
			fmt.Fprintf(&b, "%v", out)
		}
	}
	return b.String(), nil
}

// Float renders the program and coerces the result to non-negative seconds.
func (p *Program) Float(vars map[string]any) (float64, error) {
	out, err := p.run(vars)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", p.src, err)
	}
	seconds, err := asFloat(out)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", p.src, err)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("evaluate %q: negative delay %v", p.src, seconds)
	}
	return seconds, nil
}

// Bool renders the program and coerces the result to a boolean.
func (p *Program) Bool(vars map[string]any) (bool, error) {
	out, err := p.run(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.src, err)
	}
	return asBool(out), nil
}

// String renders the program to a string.
func (p *Program) String(vars map[string]any) (string, error) {
	out, err := p.run(vars)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", p.src, err)
	}
	if out == nil {
		return "", fmt.Errorf("evaluate %q: nil result", p.src)
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", out), nil
}

func (e *Evaluator) env(vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		env[k] = v
	}
	env["state"] = func(entityID string) string {
		if e.states == nil {
			return ""
		}
		state, _, err := e.states.State(entityID)
		if err != nil {
			return ""
		}
		return state
	}
	env["is_state"] = func(entityID, want string) bool {
		if e.states == nil {
			return false
		}
		state, _, err := e.states.State(entityID)
		if err != nil {
			return false
		}
		return state == want
	}
	return env
}

func asFloat(out any) (float64, error) {
	switch v := out.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		seconds, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric result %q", v)
		}
		return seconds, nil
	default:
		return 0, fmt.Errorf("non-numeric result %T", out)
	}
}

// asBool mirrors the host's truthiness rules for rendered results.
func asBool(out any) bool {
	switch v := out.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "on", "enable", "1":
			return true
		default:
			return false
		}
	default:
		return out != nil
	}
}
