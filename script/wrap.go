package script

import (
	retry "github.com/goliatone/go-retry"
)

// Wrap returns a copy of seq in which every leaf action step carries cfg, so
// the runner sends it through the retry engine. Control structure and step
// order are preserved exactly; non-action steps are copied unchanged.
// Wrapping an already wrapped sequence is a configuration error.
func Wrap(seq Sequence, cfg retry.Config) (Sequence, error) {
	return wrapSequence(seq, &cfg)
}

func wrapSequence(seq Sequence, cfg *retry.Config) (Sequence, error) {
	if seq == nil {
		return nil, nil
	}
	out := make(Sequence, len(seq))
	for i, step := range seq {
		wrapped, err := wrapStep(step, cfg)
		if err != nil {
			return nil, err
		}
		out[i] = wrapped
	}
	return out, nil
}

func wrapStep(step Step, cfg *retry.Config) (Step, error) {
	var err error
	switch step.Kind() {
	case KindAction:
		if step.Action.Retry != nil {
			return Step{}, invalidStep("nested retry wrapping is disallowed")
		}
		action := *step.Action
		action.Retry = cfg
		step.Action = &action
	case KindIf:
		branch := *step.If
		if branch.Then, err = wrapSequence(branch.Then, cfg); err != nil {
			return Step{}, err
		}
		if branch.Else, err = wrapSequence(branch.Else, cfg); err != nil {
			return Step{}, err
		}
		step.If = &branch
	case KindChoose:
		choose := ChooseStep{Choices: make([]Choice, len(step.Choose.Choices))}
		for i, choice := range step.Choose.Choices {
			choose.Choices[i].Conditions = choice.Conditions
			if choose.Choices[i].Sequence, err = wrapSequence(choice.Sequence, cfg); err != nil {
				return Step{}, err
			}
		}
		if choose.Default, err = wrapSequence(step.Choose.Default, cfg); err != nil {
			return Step{}, err
		}
		step.Choose = &choose
	case KindRepeat:
		repeat := *step.Repeat
		if repeat.Sequence, err = wrapSequence(repeat.Sequence, cfg); err != nil {
			return Step{}, err
		}
		step.Repeat = &repeat
	case KindParallel:
		branches := make([]Branch, len(step.Parallel))
		for i, branch := range step.Parallel {
			if branches[i].Sequence, err = wrapSequence(branch.Sequence, cfg); err != nil {
				return Step{}, err
			}
		}
		step.Parallel = branches
	case KindSequence:
		if step.Sequence, err = wrapSequence(step.Sequence, cfg); err != nil {
			return Step{}, err
		}
	}
	return step, nil
}
