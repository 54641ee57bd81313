// Package schedule runs retry invocations on a recurring cron expression or
// after a one-shot delay.
package schedule

import (
	"context"
	"time"

	rcron "github.com/robfig/cron/v3"

	retry "github.com/goliatone/go-retry"
	"github.com/goliatone/go-retry/engine"
)

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger retry.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLocation sets the timezone used to evaluate cron expressions.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// Scheduler wraps cron scheduling over the retry engine.
type Scheduler struct {
	cron     *rcron.Cron
	eng      *engine.Engine
	logger   retry.Logger
	location *time.Location

	handles *handleSet
}

// New creates a scheduler bound to the engine. Call Start to begin firing.
func New(eng *engine.Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		eng:      eng,
		logger:   eng.Logger(),
		location: time.Local,
		handles:  newHandleSet(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = retry.NormalizeLogger(s.logger)
	s.cron = rcron.New(rcron.WithLocation(s.location))
	return s
}

// Start begins dispatching scheduled invocations.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatch and waits for running invocations to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Every schedules spec on a cron expression. The spec is validated up front
// so configuration errors surface here, not on first fire.
func (s *Scheduler) Every(expression string, spec retry.Spec) (Handle, error) {
	if err := s.eng.Validate(spec); err != nil {
		return nil, err
	}
	h := s.handles.add(s)

	job := rcron.FuncJob(func() {
		if h.terminal() {
			return
		}
		h.setStatus(StatusRunning, nil)
		if _, err := s.eng.Call(context.Background(), spec); err != nil {
			h.setStatus(StatusFailed, err)
			s.logger.Error("scheduled retry %s failed: %v", spec.Action, err)
			return
		}
		if !h.terminal() {
			h.setStatus(StatusIdle, nil)
		}
	})
	entryID, err := s.cron.AddJob(expression, job)
	if err != nil {
		s.handles.remove(h.id)
		return nil, err
	}
	h.entryID = entryID
	return h, nil
}

// After schedules one invocation after the delay.
func (s *Scheduler) After(delay time.Duration, spec retry.Spec) (Handle, error) {
	if err := s.eng.Validate(spec); err != nil {
		return nil, err
	}
	if delay < 0 {
		delay = 0
	}
	h := s.handles.add(s)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.Done():
			return
		}
		if h.terminal() {
			return
		}
		h.setStatus(StatusRunning, nil)
		if _, err := s.eng.Call(context.Background(), spec); err != nil {
			h.setTerminal(StatusFailed, err)
			s.logger.Error("scheduled retry %s failed: %v", spec.Action, err)
		} else {
			h.setTerminal(StatusCompleted, nil)
		}
		s.handles.remove(h.id)
	}()
	return h, nil
}

func (s *Scheduler) removeEntry(h *handle) {
	if h.entryID != 0 {
		s.cron.Remove(h.entryID)
	}
	s.handles.remove(h.id)
}
