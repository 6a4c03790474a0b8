// Package scheduler arms the periodic sync and check jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job names
const (
	JobSync  = "sync"
	JobCheck = "check"
)

// State of a job
type State string

const (
	Idle      State = "idle"
	Scheduled State = "scheduled"
	Running   State = "running"
)

// ErrUnknownJob is returned for a job that was never registered
var ErrUnknownJob = errors.New("unknown job")

// FlagStore persists whether a job should be running across restarts
type FlagStore interface {
	JobEnabled(ctx context.Context, name string) (bool, error)
	SetJobEnabled(ctx context.Context, name string, enabled bool) error
}

type job struct {
	name     string
	fn       func(context.Context)
	running  atomic.Int32
	handle   gocron.Job
	interval time.Duration
}

// Scheduler owns one gocron scheduler and at most one timer per registered job
type Scheduler struct {
	cron   gocron.Scheduler
	flags  FlagStore
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates and starts an empty scheduler
func New(flags FlagStore, clock clockwork.Clock) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := log.Logger
	cron, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(cronLogger{logger: logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	cron.Start()
	return &Scheduler{
		cron:   cron,
		flags:  flags,
		logger: logger,
		jobs:   make(map[string]*job),
	}, nil
}

// Register binds a task to a job name. It must be called before Start or Resume.
func (s *Scheduler) Register(name string, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, fn: fn}
}

// Start cancels any existing timer, persists the job as enabled, runs it once immediately and
// then every interval.
func (s *Scheduler) Start(ctx context.Context, name string, interval time.Duration) error {
	return s.enable(ctx, name, interval, true)
}

// Enable is Start without the immediate run, for callers that have just run the job themselves
func (s *Scheduler) Enable(ctx context.Context, name string, interval time.Duration) error {
	return s.enable(ctx, name, interval, false)
}

func (s *Scheduler) enable(ctx context.Context, name string, interval time.Duration, immediate bool) error {
	if err := s.check(name, interval); err != nil {
		return err
	}
	if err := s.flags.SetJobEnabled(ctx, name, true); err != nil {
		return err
	}
	return s.arm(ctx, name, interval, immediate)
}

// Stop removes the timer and persists the job as disabled. A run in flight is left to finish.
func (s *Scheduler) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.disarm(j)
	s.mu.Unlock()

	s.logger.Info().Str("job", name).Msg("[Scheduler] Job stopped")
	return s.flags.SetJobEnabled(ctx, name, false)
}

// Resume re-arms a job that is enabled but has no live timer, without running it immediately.
// It reports whether a timer was armed.
func (s *Scheduler) Resume(ctx context.Context, name string, interval time.Duration) (bool, error) {
	enabled, err := s.flags.JobEnabled(ctx, name)
	if err != nil || !enabled {
		return false, err
	}

	s.mu.Lock()
	j, ok := s.jobs[name]
	live := ok && j.handle != nil
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if live {
		return false, nil
	}
	if err := s.arm(ctx, name, interval, false); err != nil {
		return false, err
	}
	return true, nil
}

// Rearm replaces the interval of a job that currently has a timer. Idle jobs are left alone.
func (s *Scheduler) Rearm(ctx context.Context, name string, interval time.Duration) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	live := ok && j.handle != nil
	same := live && j.interval == interval
	s.mu.Unlock()
	if !live || same {
		return nil
	}
	return s.arm(ctx, name, interval, false)
}

// Enabled reports the persisted flag for a job
func (s *Scheduler) Enabled(ctx context.Context, name string) (bool, error) {
	return s.flags.JobEnabled(ctx, name)
}

// State reports where a job is in its lifecycle
func (s *Scheduler) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	switch {
	case !ok:
		return Idle
	case j.running.Load() > 0:
		return Running
	case j.handle != nil:
		return Scheduled
	default:
		return Idle
	}
}

// Shutdown removes every timer and waits for running tasks
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	for _, j := range s.jobs {
		j.handle = nil
	}
	s.mu.Unlock()
	return s.cron.Shutdown()
}

func (s *Scheduler) check(name string, interval time.Duration) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	return nil
}

func (s *Scheduler) arm(ctx context.Context, name string, interval time.Duration, immediate bool) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.disarm(j)

	// Tasks never see the caller's cancellation; Stop only removes the timer.
	taskCtx := context.WithoutCancel(ctx)
	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	handle, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.run(taskCtx, j) }),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("arm job %s: %w", name, err)
	}
	j.handle = handle
	j.interval = interval

	s.logger.Info().Str("job", name).Dur("interval", interval).Bool("immediate", immediate).
		Msg("[Scheduler] Job armed")
	return nil
}

// disarm must be called with s.mu held
func (s *Scheduler) disarm(j *job) {
	if j.handle == nil {
		return
	}
	if err := s.cron.RemoveJob(j.handle.ID()); err != nil {
		s.logger.Warn().Err(err).Str("job", j.name).Msg("[Scheduler] Failed to remove timer")
	}
	j.handle = nil
	j.interval = 0
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	j.running.Add(1)
	defer j.running.Add(-1)

	start := time.Now()
	s.logger.Debug().Str("job", j.name).Msg("[Scheduler] Job running")
	j.fn(ctx)
	s.logger.Debug().Str("job", j.name).Dur("duration", time.Since(start)).Msg("[Scheduler] Job finished")
}

// cronLogger routes gocron's own logging through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Debug(msg string, args ...any) {
	l.logger.Debug().Fields(args).Msg("[Scheduler] " + msg)
}

func (l cronLogger) Info(msg string, args ...any) {
	l.logger.Info().Fields(args).Msg("[Scheduler] " + msg)
}

func (l cronLogger) Warn(msg string, args ...any) {
	l.logger.Warn().Fields(args).Msg("[Scheduler] " + msg)
}

func (l cronLogger) Error(msg string, args ...any) {
	l.logger.Error().Fields(args).Msg("[Scheduler] " + msg)
}
