// Package reconcile runs the periodic sweeps that re-derive conflicts, booking
// status and reminders from the current database state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/envbook/internal/metrics"
)

// TaskFunc performs one pass at now and reports how many items it acted on.
type TaskFunc func(ctx context.Context, now time.Time) (int, error)

type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

// Result is the outcome of one task execution.
type Result struct {
	Task  string
	Items int
	Err   error
}

type entry struct {
	Task
	next time.Time
}

// Scheduler owns a set of tasks and runs each one whenever its deadline has
// passed. Deadlines advance in whole intervals so a late tick never causes a
// burst of catch-up runs.
type Scheduler struct {
	mu         sync.Mutex
	tasks      []*entry
	now        func() time.Time
	resolution time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

// WithClock replaces time.Now as the source of tick times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithResolution sets how often Start checks for due tasks.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.resolution = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{now: time.Now, resolution: time.Second, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers t. A new task is due on the first tick after it is added.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task name required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: run func required", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.Name == t.Name {
			return fmt.Errorf("task %s already registered", t.Name)
		}
	}
	s.tasks = append(s.tasks, &entry{Task: t})
	return nil
}

// Next reports when the named task is next due. The zero time means it has not
// run yet.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.Name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

// RunDue runs every task whose deadline is at or before now, in registration
// order. A failing task does not stop the others.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []Result {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.tasks {
		if e.next.IsZero() || !now.Before(e.next) {
			due = append(due, e)
			e.next = advance(e.next, now, e.Interval)
		}
	}
	s.mu.Unlock()

	results := make([]Result, 0, len(due))
	for _, e := range due {
		results = append(results, s.run(ctx, e.Task, now))
	}
	return results
}

// RunAll runs every task once at now, ignoring deadlines.
func (s *Scheduler) RunAll(ctx context.Context, now time.Time) []Result {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	for i, e := range s.tasks {
		tasks[i] = e.Task
	}
	s.mu.Unlock()

	results := make([]Result, 0, len(tasks))
	for _, t := range tasks {
		results = append(results, s.run(ctx, t, now))
	}
	return results
}

// advance moves next past now by whole multiples of interval.
func advance(next, now time.Time, interval time.Duration) time.Time {
	if next.IsZero() || next.After(now) {
		return now.Add(interval)
	}
	missed := now.Sub(next) / interval
	return next.Add((missed + 1) * interval)
}

func (s *Scheduler) run(ctx context.Context, t Task, now time.Time) (res Result) {
	res.Task = t.Name
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			res.Err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			s.logger.Error("reconcile task panicked", "task", t.Name, "panic", r)
		}
		s.metrics.TaskRun(t.Name, outcome, time.Since(start), res.Items)
	}()

	res.Items, res.Err = t.Run(ctx, now)
	if res.Err != nil {
		outcome = "error"
		s.logger.Warn("reconcile task failed", "task", t.Name, "err", res.Err)
		return res
	}
	if res.Items > 0 {
		s.logger.Info("reconcile task", "task", t.Name, "items", res.Items)
	}
	return res
}

// Start drives RunDue from a ticker until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.RunDue(ctx, s.now().UTC())

		ticker := time.NewTicker(s.resolution)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx, s.now().UTC())
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
