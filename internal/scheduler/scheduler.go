package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"guestkey/config"
	"guestkey/internal/lock"
	"guestkey/internal/log"
	"guestkey/internal/metrics"
)

// Jobs is the work the scheduler runs.
type Jobs interface {
	CleanupExpired(ctx context.Context) (int, error)
	RecoverMissing(ctx context.Context) (int, error)
	SendPendingNotifications(ctx context.Context) (int, error)
	CheckBattery(ctx context.Context) (lock.Status, error)
}

// Scheduler runs the hourly maintenance job and the daily battery check.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	hourly  cron.Job
	battery cron.Job
	observe func(stage string, err error)
	logger  zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	// initial tracks the run Start fires outside the cron loop.
	initial sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithObserver reports the outcome of every stage run.
func WithObserver(fn func(stage string, err error)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// New parses the configured cron expressions. Overlapping runs of the same job
// are skipped.
func New(cfg config.ScheduleConfig, jobs Jobs, loc *time.Location, opts ...Option) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := log.WithComponent("scheduler")
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{logger})),
		jobs:   jobs,
		logger: logger,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	chain := cron.NewChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))
	s.hourly = chain.Then(cron.FuncJob(func() { s.RunHourly(s.jobContext()) }))
	s.battery = chain.Then(cron.FuncJob(func() { s.RunBattery(s.jobContext()) }))

	if _, err := s.cron.AddJob(cfg.Hourly, s.hourly); err != nil {
		return nil, fmt.Errorf("invalid hourly schedule %q: %w", cfg.Hourly, err)
	}
	if _, err := s.cron.AddJob(cfg.Battery, s.battery); err != nil {
		return nil, fmt.Errorf("invalid battery schedule %q: %w", cfg.Battery, err)
	}
	return s, nil
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins the cron loop and runs the hourly job once right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info().Msg("starting scheduler")
	s.cron.Start()
	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.hourly.Run()
	}()
}

// Stop halts the cron loop, cancels in-flight jobs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.initial.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// RunHourly runs cleanup, recovery and the notification sweep in sequence. A
// failing stage does not prevent the next one.
func (s *Scheduler) RunHourly(ctx context.Context) {
	s.runStage(ctx, "cleanup", s.jobs.CleanupExpired)
	s.runStage(ctx, "recover", s.jobs.RecoverMissing)
	s.runStage(ctx, "notify", s.jobs.SendPendingNotifications)
}

// RunBattery runs the lock battery check.
func (s *Scheduler) RunBattery(ctx context.Context) {
	s.runStage(ctx, "battery", func(ctx context.Context) (int, error) {
		st, err := s.jobs.CheckBattery(ctx)
		if err == nil {
			s.logger.Info().Str("battery", st.Battery).Int("users", st.Count).Msg("battery check")
		}
		return st.Count, err
	})
}

func (s *Scheduler) runStage(ctx context.Context, name string, fn func(context.Context) (int, error)) {
	logger := s.logger.With().Str("stage", name).Logger()
	defer func() {
		if r := recover(); r != nil {
			metrics.StageRuns.WithLabelValues(name, "panic").Inc()
			logger.Error().Interface("panic", r).Msg("stage panicked")
			s.report(name, fmt.Errorf("panic: %v", r))
		}
	}()

	n, err := fn(ctx)
	s.report(name, err)
	if err != nil {
		metrics.StageRuns.WithLabelValues(name, "error").Inc()
		logger.Error().Err(err).Int("count", n).Msg("stage failed")
		return
	}
	metrics.StageRuns.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		logger.Info().Int("count", n).Msg("stage complete")
	}
}

func (s *Scheduler) report(stage string, err error) {
	if s.observe != nil {
		s.observe(stage, err)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
