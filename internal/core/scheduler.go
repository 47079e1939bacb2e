// Package core implements the tick-driven control loop (§2, §5): the
// single-threaded cooperative cycle that runs the Collector, Aggregator,
// Scorer, Status engine, Enforcer, Synchronizer, and Notifier/Logger phases
// in order. Grounded on the teacher's internal/job.Scheduler, which wraps
// robfig/cron the same way for its own background jobs.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runnable is a task the Scheduler triggers on a cron spec.
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler wraps robfig/cron, chaining DelayIfStillRunning so a job whose
// previous invocation is still in flight waits for it rather than
// overlapping — the control loop's "one tick finishes before the next is
// due; an overrun fires the next tick immediately, it is never skipped"
// rule (§5).
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
}

const jobTimeout = 2 * time.Minute

// NewScheduler constructs a Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cronLogger{logger}
	c := cron.New(cron.WithChain(cron.Recover(adapter), cron.DelayIfStillRunning(adapter)))
	return &Scheduler{cron: c, logger: logger}
}

// Register binds a cron spec (including the "@every <duration>" form used
// for the sub-sample tick) to a Runnable.
func (s *Scheduler) Register(spec string, runnable Runnable) (cron.EntryID, error) {
	if runnable == nil {
		return 0, fmt.Errorf("scheduler: runnable is required")
	}
	if spec == "" {
		return 0, fmt.Errorf("scheduler: spec is required")
	}
	entryID, err := s.cron.AddFunc(spec, s.wrap(runnable))
	if err != nil {
		return 0, err
	}
	s.logger.Info("job registered", "job", runnable.Name(), "spec", spec)
	return entryID, nil
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.cron.Start()
	s.started = true
	s.mu.Unlock()
}

// Stop halts the scheduler and returns a context that closes once every
// in-flight job has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return context.Background()
	}
	s.started = false
	return s.cron.Stop()
}

func (s *Scheduler) wrap(runnable Runnable) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		start := time.Now()
		if err := runnable.Run(ctx); err != nil {
			s.logger.Error("job failed", "job", runnable.Name(), "error", err, "elapsed", time.Since(start))
			return
		}
		s.logger.Debug("job completed", "job", runnable.Name(), "elapsed", time.Since(start))
	}
}

// cronLogger adapts *slog.Logger to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.logger.Info(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Error(msg, append(kv, "error", err)...)
}
