// Package scheduler runs periodic maintenance for vidrelay: cache eviction,
// job record sweeps and orphaned work directory cleanup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/vidrelay/internal/metrics"
	"github.com/jmylchreest/vidrelay/internal/observability"
)

// ErrUnknownTask is returned when a task name is not registered.
var ErrUnknownTask = errors.New("unknown task")

// TaskFunc is one maintenance pass.
type TaskFunc func(ctx context.Context) error

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type task struct {
	name     string
	schedule string
	fn       TaskFunc
	entryID  cron.EntryID
}

// Scheduler runs registered tasks on cron schedules. A task never overlaps
// with itself; a run that is still going when the next one is due is skipped.
type Scheduler struct {
	mu sync.RWMutex

	logger *slog.Logger

	// cron parser for validating/parsing cron expressions
	parser cron.Parser
	cron   *cron.Cron
	tasks  map[string]*task

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tasks:  make(map[string]*task),
	}
	s.cron = s.newCron()
	return s
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger = logger
	if s.ctx == nil && len(s.tasks) == 0 {
		s.cron = s.newCron()
	}
	return s
}

func (s *Scheduler) newCron() *cron.Cron {
	logger := cronLogger{s.logger.With(slog.String("component", "scheduler"))}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}

// Register adds a task. An empty schedule disables the task.
func (s *Scheduler) Register(name, schedule string, fn TaskFunc) error {
	if schedule == "" {
		s.logger.Debug("maintenance task disabled", slog.String("task", name))
		return nil
	}
	if err := s.ValidateCron(schedule); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	t := &task{name: name, schedule: schedule, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.run(s.runContext(), t) })
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	t.entryID = id
	s.tasks[name] = t
	return nil
}

// Start begins running tasks on their schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop stops scheduling and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// RunNow runs the named task immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, t)
}

// Tasks lists registered tasks with their next and previous run times.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		entry := s.cron.Entry(t.entryID)
		info := TaskInfo{
			Name:     t.name,
			Schedule: t.schedule,
			Next:     entry.Next,
			Prev:     entry.Prev,
		}
		// cron only fills Next once started
		if info.Next.IsZero() {
			if next, err := s.ParseCron(t.schedule); err == nil {
				info.Next = next
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseCron parses a cron expression and returns the next scheduled time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, t *task) error {
	start := time.Now()
	err := t.fn(ctx)

	status := "success"
	if err != nil {
		status = "error"
		observability.WithError(s.logger, err).Warn("maintenance task failed",
			slog.String("task", t.name),
			slog.Duration("duration", time.Since(start)),
		)
	} else {
		s.logger.Debug("maintenance task finished",
			slog.String("task", t.name),
			slog.Duration("duration", time.Since(start)),
		)
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(t.name, status).Inc()
	return err
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
