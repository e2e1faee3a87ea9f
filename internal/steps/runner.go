// Package steps tracks an ordered list of named workflow steps. Steps run
// strictly one after another; the first failure halts the workflow and
// leaves the remaining steps pending.
package steps

import (
	"fmt"
	"sync"
)

// Status of a single step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Progress is a current/total pair in arbitrary units (usually bytes).
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Error is the failure captured on a step.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Step is the observable state of one step.
type Step struct {
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Progress *Progress `json:"progress,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

func (s Step) clone() Step {
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}

// Update is delivered to observers after every change.
type Update struct {
	Index int  `json:"index"`
	Step  Step `json:"step"`
}

// Observer receives updates synchronously and must not block.
type Observer func(Update)

// KindFunc maps an error to the kind recorded on a failed step.
type KindFunc func(error) string

// Option configures a Runner.
type Option func(*Runner)

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observers = append(r.observers, o)
	}
}

// WithErrorKind sets the error classifier. The default records "Error".
func WithErrorKind(fn KindFunc) Option {
	return func(r *Runner) {
		r.kind = fn
	}
}

// Runner holds the steps of one workflow at a time. Steps are addressed by
// position so a step can be renamed once its target is known.
type Runner struct {
	mu        sync.Mutex
	steps     []Step
	kind      KindFunc
	observers []Observer
}

// NewRunner creates an empty runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		kind: func(error) string { return "Error" },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Declare replaces the step list; every step starts pending.
func (r *Runner) Declare(names ...string) {
	r.mu.Lock()
	r.steps = make([]Step, len(names))
	for i, n := range names {
		r.steps[i] = Step{Name: n, Status: StatusPending}
	}
	updates := make([]Update, len(r.steps))
	for i, s := range r.steps {
		updates[i] = Update{Index: i, Step: s.clone()}
	}
	r.mu.Unlock()

	for _, u := range updates {
		r.notify(u)
	}
}

// Rename changes the label of step i.
func (r *Runner) Rename(i int, name string) {
	r.update(i, func(s *Step) { s.Name = name })
}

// ReportProgress records progress for step i.
func (r *Runner) ReportProgress(i, current, total int) {
	r.update(i, func(s *Step) { s.Progress = &Progress{Current: current, Total: total} })
}

// Run executes fn as step i. The report callback forwards progress to the
// step. A returned error marks the step failed and is returned unchanged.
func (r *Runner) Run(i int, fn func(report func(current, total int)) error) error {
	_, err := Do(r, i, func(report func(current, total int)) (struct{}, error) {
		return struct{}{}, fn(report)
	})
	return err
}

// Do is Run for steps that produce a value.
func Do[T any](r *Runner, i int, fn func(report func(current, total int)) (T, error)) (T, error) {
	var zero T
	if !r.valid(i) {
		return zero, fmt.Errorf("steps: no step at index %d", i)
	}
	r.update(i, func(s *Step) {
		s.Status = StatusRunning
		s.Error = nil
	})

	v, err := fn(func(current, total int) { r.ReportProgress(i, current, total) })
	if err != nil {
		kind := r.kind(err)
		r.update(i, func(s *Step) {
			s.Status = StatusFailed
			s.Error = &Error{Kind: kind, Message: err.Error()}
		})
		return zero, err
	}
	r.update(i, func(s *Step) { s.Status = StatusSuccess })
	return v, nil
}

// Snapshot returns a copy of all steps.
func (r *Runner) Snapshot() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Step, len(r.steps))
	for i, s := range r.steps {
		out[i] = s.clone()
	}
	return out
}

// Failed returns the first failed step, if any.
func (r *Runner) Failed() (Step, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.Status == StatusFailed {
			return s.clone(), true
		}
	}
	return Step{}, false
}

func (r *Runner) valid(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return i >= 0 && i < len(r.steps)
}

func (r *Runner) update(i int, fn func(*Step)) {
	r.mu.Lock()
	if i < 0 || i >= len(r.steps) {
		r.mu.Unlock()
		return
	}
	fn(&r.steps[i])
	u := Update{Index: i, Step: r.steps[i].clone()}
	r.mu.Unlock()

	r.notify(u)
}

func (r *Runner) notify(u Update) {
	for _, o := range r.observers {
		o(u)
	}
}
