// Package scheduler drives a Runner on a jittered interval and on demand.
// At most one run is active at a time; requests made during a run coalesce
// into a single follow-up run.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Runner is what the scheduler drives
type Runner interface {
	Validate(ctx context.Context) error
	Run(ctx context.Context) error
	Stop()
}

// Scheduler runs a Runner periodically and whenever Trigger is called
type Scheduler struct {
	runner   Runner
	interval time.Duration
	jitter   float64
	timeout  time.Duration
	logger   *slog.Logger
	requests chan string
	rng      *rand.Rand
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithJitter spreads runs by ±ratio of the interval (0.0-1.0)
func WithJitter(ratio float64) Option {
	return func(s *Scheduler) { s.jitter = clampJitterRatio(ratio) }
}

// WithRunTimeout bounds a single run. Zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler
func New(runner Runner, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   slog.Default(),
		requests: make(chan string, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests a run as soon as possible. It never blocks and reports
// whether the request was queued; false means a run is already pending.
func (s *Scheduler) Trigger(reason string) bool {
	select {
	case s.requests <- reason:
		return true
	default:
		return false
	}
}

// RunOnce performs a single run
func (s *Scheduler) RunOnce(ctx context.Context, reason string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("Sync cycle failed", "reason", reason, "duration", time.Since(started).String(), "error", err)
		return err
	}
	s.logger.Info("Sync cycle completed", "reason", reason, "duration", time.Since(started).String())
	return nil
}

// Start validates the runner, runs it immediately and then on every tick or
// trigger until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.runner.Validate(ctx); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, s.runner.Stop)
	defer stop()

	s.RunOnce(ctx, "startup")

	timer := time.NewTimer(s.next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping", "cause", context.Cause(ctx))
			return nil
		case <-timer.C:
			s.RunOnce(ctx, "interval")
		case reason := <-s.requests:
			s.RunOnce(ctx, reason)
		}
		timer.Reset(s.next())
	}
}

func (s *Scheduler) next() time.Duration {
	return jitteredIntervalWithSample(s.interval, s.jitter, s.rng.Float64())
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
