// Package schedule runs the periodic maintenance triggers on cron. Each run
// takes a cluster-wide lock so only one process executes a job at a time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Locker grants exclusive runs.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Job is one periodic trigger.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps a cron instance.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[string]scheduledJob
}

type scheduledJob struct {
	job Job
	ttl time.Duration
}

// New creates a Scheduler. locker may be nil for single-process setups.
func New(locker Locker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("schedule")
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker: locker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]scheduledJob),
	}
}

// Add registers job. The lock of a run is held at most one period of the
// job's schedule.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	sched, err := cron.ParseStandard(job.Spec)
	if err != nil {
		return fmt.Errorf("parse schedule of %s: %w", job.Name, err)
	}
	sj := scheduledJob{job: job, ttl: period(sched, time.Now())}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = sj
	s.cron.Schedule(sched, cron.FuncJob(func() { s.run(s.ctx, sj) }))
	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec), zap.Duration("lock_ttl", sj.ttl))
	return nil
}

// period is the distance between two consecutive activations after from.
func period(sched cron.Schedule, from time.Time) time.Duration {
	next := sched.Next(from)
	return sched.Next(next).Sub(next)
}

// Trigger runs a registered job immediately, honoring its lock.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown job %s", name)
	}
	return s.run(ctx, sj), nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing jobs, cancels running ones, and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// run executes one activation and reports whether the job ran.
func (s *Scheduler) run(ctx context.Context, sj scheduledJob) bool {
	logger := s.logger.With(zap.String("job", sj.job.Name))
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, sj.job.Name, sj.ttl)
		if err != nil {
			logger.Warn("job lock failed", zap.Error(err))
			return false
		}
		if !ok {
			logger.Debug("job held by another process")
			return false
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("job lock release failed", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	if err := sj.job.Run(ctx); err != nil {
		logger.Error("job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return true
	}
	logger.Debug("job finished", zap.Duration("elapsed", time.Since(start)))
	return true
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
