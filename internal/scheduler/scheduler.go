package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type task struct {
	name  string
	spec  string
	sched cron.Schedule
	run   func(ctx context.Context)
}

// Scheduler runs named tasks on standard 5-field cron expressions
// (minute hour day-of-month month day-of-week), evaluated in loc.
type Scheduler struct {
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	tasks []task
	wg    sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now and time.After.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.after = after
	}
}

func New(loc *time.Location, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		loc:    loc,
		logger: zap.NewNop(),
		now:    time.Now,
		after:  time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers run under spec. An empty spec leaves the task disabled.
func (s *Scheduler) Add(name, spec string, run func(ctx context.Context)) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		s.logger.Info("scheduled task disabled", zap.String("task", name))
		return nil
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule for %s '%s': %w", name, spec, err)
	}
	s.tasks = append(s.tasks, task{name: name, spec: spec, sched: sched, run: run})
	return nil
}

// Next reports when the named task fires after t.
func (s *Scheduler) Next(name string, t time.Time) (time.Time, bool) {
	for _, tk := range s.tasks {
		if tk.name == name {
			return tk.sched.Next(t.In(s.loc)), true
		}
	}
	return time.Time{}, false
}

// Start launches one loop per task; they stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	for _, tk := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, tk)
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, tk task) {
	defer s.wg.Done()
	s.logger.Info("task scheduled", zap.String("task", tk.name), zap.String("cron", tk.spec))
	for {
		now := s.now().In(s.loc)
		next := tk.sched.Next(now)
		wait := next.Sub(now)
		s.logger.Debug("next run",
			zap.String("task", tk.name),
			zap.Time("at", next),
			zap.Duration("in", wait.Round(time.Second)),
		)
		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}
		s.runOnce(ctx, tk)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, tk task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("task", tk.name), zap.Any("panic", r))
		}
	}()
	tk.run(ctx)
}
