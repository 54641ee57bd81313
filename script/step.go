// Package script models nested action sequences: ordered steps with
// conditionals, choose blocks, repeats and parallel branches. Wrap rewrites a
// sequence so every leaf action runs through the retry engine; Runner
// executes sequences against the host runtime.
package script

import (
	apperrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	retry "github.com/goliatone/go-retry"
)

const (
	ErrCodeInvalidStep = "SCRIPT_INVALID_STEP"
	ErrCodeStepFailed  = "SCRIPT_STEP_FAILED"
)

// Kind tags the step variants.
type Kind string

const (
	KindAction    Kind = "action"
	KindDelay     Kind = "delay"
	KindVariables Kind = "variables"
	KindIf        Kind = "if"
	KindChoose    Kind = "choose"
	KindRepeat    Kind = "repeat"
	KindParallel  Kind = "parallel"
	KindSequence  Kind = "sequence"
)

// Sequence is an ordered list of steps.
type Sequence []Step

// Step is a tagged variant: exactly one of the pointers below is set.
type Step struct {
	Action    *ActionStep
	Delay     *float64
	Variables map[string]any
	If        *IfStep
	Choose    *ChooseStep
	Repeat    *RepeatStep
	Parallel  []Branch
	Sequence  Sequence
}

// ActionStep invokes a host action, optionally through the retry engine.
type ActionStep struct {
	Action string           `yaml:"action"`
	Target retry.TargetSpec `yaml:"target,omitempty"`
	Data   map[string]any   `yaml:"data,omitempty"`
	// Retry is attached by Wrap; a nil Retry invokes the host directly.
	Retry *retry.Config `yaml:"-"`
}

// IfStep executes Then or Else based on a boolean expression.
type IfStep struct {
	Condition string
	Then      Sequence
	Else      Sequence
}

// ChooseStep executes the first choice whose condition holds, else Default.
type ChooseStep struct {
	Choices []Choice
	Default Sequence
}

// Choice is one conditional branch of a choose block.
type Choice struct {
	Conditions string   `yaml:"conditions"`
	Sequence   Sequence `yaml:"sequence"`
}

// RepeatStep runs its sequence a fixed number of times or while an
// expression holds.
type RepeatStep struct {
	Count    int      `yaml:"count,omitempty"`
	While    string   `yaml:"while,omitempty"`
	Sequence Sequence `yaml:"sequence"`
}

// Branch is one parallel arm: either a bare step list or a mapping with a
// sequence key.
type Branch struct {
	Sequence Sequence
}

// Kind reports which variant the step holds.
func (s Step) Kind() Kind {
	switch {
	case s.Action != nil:
		return KindAction
	case s.Delay != nil:
		return KindDelay
	case s.Variables != nil:
		return KindVariables
	case s.If != nil:
		return KindIf
	case s.Choose != nil:
		return KindChoose
	case s.Repeat != nil:
		return KindRepeat
	case s.Parallel != nil:
		return KindParallel
	default:
		return KindSequence
	}
}

// Parse decodes a YAML step list and validates its structure.
func Parse(data []byte) (Sequence, error) {
	var seq Sequence
	if err := yaml.Unmarshal(data, &seq); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "failed to parse sequence").
			WithTextCode(ErrCodeInvalidStep)
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

func invalidStep(msg string) error {
	return apperrors.New(msg, apperrors.CategoryBadInput).WithTextCode(ErrCodeInvalidStep)
}

// stepKeys maps the YAML key that determines each step variant.
var stepKeys = map[string]Kind{
	"action":    KindAction,
	"delay":     KindDelay,
	"variables": KindVariables,
	"if":        KindIf,
	"choose":    KindChoose,
	"repeat":    KindRepeat,
	"parallel":  KindParallel,
	"sequence":  KindSequence,
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return invalidStep("step must be a mapping")
	}
	var kinds []Kind
	for i := 0; i+1 < len(node.Content); i += 2 {
		if kind, ok := stepKeys[node.Content[i].Value]; ok {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) != 1 {
		return invalidStep("step must have exactly one of action, delay, variables, if, choose, repeat, parallel or sequence")
	}

	var raw struct {
		Action    string           `yaml:"action"`
		Target    retry.TargetSpec `yaml:"target"`
		Data      map[string]any   `yaml:"data"`
		Delay     *float64         `yaml:"delay"`
		Variables map[string]any   `yaml:"variables"`
		If        string           `yaml:"if"`
		Then      Sequence         `yaml:"then"`
		Else      Sequence         `yaml:"else"`
		Choose    []Choice         `yaml:"choose"`
		Default   Sequence         `yaml:"default"`
		Repeat    *RepeatStep      `yaml:"repeat"`
		Parallel  []Branch         `yaml:"parallel"`
		Sequence  Sequence         `yaml:"sequence"`
	}
	if err := node.Decode(&raw); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryBadInput, "failed to decode step").
			WithTextCode(ErrCodeInvalidStep)
	}

	// a recognized key whose value is null would leave an all-nil step that
	// silently no-ops, so each variant requires a value
	switch kinds[0] {
	case KindAction:
		s.Action = &ActionStep{Action: raw.Action, Target: raw.Target, Data: raw.Data}
	case KindDelay:
		if raw.Delay == nil {
			return invalidStep("delay step requires a value")
		}
		s.Delay = raw.Delay
	case KindVariables:
		if raw.Variables == nil {
			return invalidStep("variables step requires a mapping")
		}
		s.Variables = raw.Variables
	case KindIf:
		s.If = &IfStep{Condition: raw.If, Then: raw.Then, Else: raw.Else}
	case KindChoose:
		s.Choose = &ChooseStep{Choices: raw.Choose, Default: raw.Default}
	case KindRepeat:
		if raw.Repeat == nil {
			return invalidStep("repeat step requires a body")
		}
		s.Repeat = raw.Repeat
	case KindParallel:
		if raw.Parallel == nil {
			return invalidStep("parallel step requires at least one branch")
		}
		s.Parallel = raw.Parallel
	case KindSequence:
		if raw.Sequence == nil {
			return invalidStep("sequence step requires steps")
		}
		s.Sequence = raw.Sequence
	}
	return nil
}

func (b *Branch) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&b.Sequence)
	}
	var raw struct {
		Sequence Sequence `yaml:"sequence"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	b.Sequence = raw.Sequence
	return nil
}

// Validate checks the structural rules of the tree.
func (s Sequence) Validate() error {
	for _, step := range s {
		if err := step.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) validate() error {
	switch s.Kind() {
	case KindAction:
		if s.Action.Action == "" {
			return invalidStep("action step requires an action id")
		}
	case KindDelay:
		if *s.Delay < 0 {
			return invalidStep("delay must not be negative")
		}
	case KindIf:
		if s.If.Condition == "" {
			return invalidStep("if step requires a condition")
		}
		if err := s.If.Then.Validate(); err != nil {
			return err
		}
		return s.If.Else.Validate()
	case KindChoose:
		if len(s.Choose.Choices) == 0 {
			return invalidStep("choose step requires at least one choice")
		}
		for _, choice := range s.Choose.Choices {
			if choice.Conditions == "" {
				return invalidStep("choose branch requires conditions")
			}
			if err := choice.Sequence.Validate(); err != nil {
				return err
			}
		}
		return s.Choose.Default.Validate()
	case KindRepeat:
		if s.Repeat == nil || (s.Repeat.Count <= 0 && s.Repeat.While == "") {
			return invalidStep("repeat step requires a positive count or a while expression")
		}
		return s.Repeat.Sequence.Validate()
	case KindParallel:
		for _, branch := range s.Parallel {
			if err := branch.Sequence.Validate(); err != nil {
				return err
			}
		}
	case KindSequence:
		return s.Sequence.Validate()
	}
	return nil
}
