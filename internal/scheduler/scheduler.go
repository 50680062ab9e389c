package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a unit of background work.
// A positive Interval runs Run on a ticker, once immediately and then every
// Interval. A zero Interval treats Run as a long-lived loop that is restarted
// whenever it returns before shutdown.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler supervises background jobs.
// Jobs start once the ready channel is closed.
type Scheduler struct {
	ready      <-chan struct{}
	jobs       []Job
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithBackoff sets the restart delay bounds for crashed jobs
func WithBackoff(initial, limit time.Duration) Option {
	return func(s *Scheduler) {
		s.minBackoff = initial
		s.maxBackoff = limit
	}
}

// New creates a scheduler. A nil ready channel starts jobs immediately.
func New(ready <-chan struct{}, jobs []Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		ready:      ready,
		jobs:       jobs,
		minBackoff: time.Second,
		maxBackoff: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is done and every job has stopped
func (s *Scheduler) Run(ctx context.Context) error {
	if s.ready != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ready:
		}
	}

	slog.Info("scheduler started", "jobs", len(s.jobs))

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.supervise(gctx, job)
			return nil
		})
	}

	err := g.Wait()
	slog.Info("scheduler stopped")
	return err
}

// supervise keeps a job running until ctx is done, restarting it with
// exponential backoff after a panic or an unexpected return
func (s *Scheduler) supervise(ctx context.Context, job Job) {
	backoff := s.minBackoff

	for {
		started := time.Now()
		err := runSafely(ctx, job)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > s.maxBackoff {
			backoff = s.minBackoff
		}

		slog.Error("job stopped unexpectedly, restarting",
			"job", job.Name,
			"error", err,
			"backoff", backoff,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v\n%s", job.Name, r, debug.Stack())
		}
	}()

	if job.Interval <= 0 {
		if err := job.Run(ctx); err != nil {
			return err
		}
		return fmt.Errorf("job %s returned", job.Name)
	}

	runPeriodic(ctx, job)
	return nil
}

// runPeriodic runs job immediately and then on every tick.
// Errors are logged and the next tick proceeds.
func runPeriodic(ctx context.Context, job Job) {
	slog.Info("job started", "job", job.Name, "interval", job.Interval)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	runOnce(ctx, job)

	for {
		select {
		case <-ctx.Done():
			slog.Info("job stopped", "job", job.Name)
			return
		case <-ticker.C:
			runOnce(ctx, job)
		}
	}
}

func runOnce(ctx context.Context, job Job) {
	slog.Debug("running job", "job", job.Name)

	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("job failed", "job", job.Name, "error", err)
	}
}
