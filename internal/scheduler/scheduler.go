// Package scheduler runs the billing sweeps in-process on cron schedules,
// for deployments where nothing external calls the /cron endpoints.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/tokenbill/pkg/logger"
	"github.com/dmitrymomot/tokenbill/svc/billing"
)

var (
	ErrNotConfigured        = errors.New("scheduler: no jobs registered")
	ErrJobAlreadyRegistered = errors.New("scheduler: job already registered")
	ErrInvalidSchedule      = errors.New("scheduler: invalid cron expression")
	ErrAlreadyRunning       = errors.New("scheduler: already running")
)

// Runner executes one named sweep.
type Runner interface {
	Run(ctx context.Context, job string) (*billing.SweepReport, error)
}

// Scheduler wraps a cron.Cron whose entries call Runner.Run.
type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	ctx     context.Context
	running bool
}

// Option configures Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for job results and cron internals.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithJobTimeout bounds a single run. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

// New panics on a nil runner.
func New(runner Runner, opts ...Option) *Scheduler {
	if runner == nil {
		panic("scheduler: runner is required")
	}
	s := &Scheduler{
		runner:  runner,
		log:     logger.Discard(),
		timeout: 10 * time.Minute,
		jobs:    make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// AddJob registers job on a standard five-field cron expression or a
// descriptor such as "@hourly". An empty spec leaves the job unscheduled.
func (s *Scheduler) AddJob(job, spec string) error {
	if spec == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRegistered, job)
	}
	id, err := s.cron.AddFunc(spec, func() { s.RunNow(s.runContext(), job) })
	if err != nil {
		return errors.Join(ErrInvalidSchedule, fmt.Errorf("%s %q: %w", job, spec, err))
	}
	s.jobs[job] = id
	s.log.Info("registered billing job", logger.Job(job), slog.String("schedule", spec))
	return nil
}

// Jobs lists the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// RunNow executes job synchronously and logs its report. Failures are logged,
// not returned: the next tick retries.
func (s *Scheduler) RunNow(ctx context.Context, job string) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	report, err := s.runner.Run(ctx, job)
	if err != nil {
		s.log.ErrorContext(ctx, "scheduled billing job failed",
			logger.Job(job), logger.Duration(time.Since(started)), logger.Error(err))
		return
	}
	attrs := []any{logger.Job(job), logger.Duration(time.Since(started))}
	if report != nil {
		for name, n := range report.Counts {
			attrs = append(attrs, logger.Count(name, n))
		}
		if report.Failed > 0 {
			attrs = append(attrs, logger.Count("failed", report.Failed))
		}
	}
	s.log.InfoContext(ctx, "scheduled billing job finished", attrs...)
}

// Start runs the cron loop until ctx is done, then waits for running jobs.
// It fits httpserver.WithBackground.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(s.jobs) == 0 {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.InfoContext(ctx, "billing scheduler started", slog.Int("jobs", len(s.Jobs())))

	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.InfoContext(context.WithoutCancel(ctx), "billing scheduler stopped")
	return ctx.Err()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, logger.Error(err))...)
}
