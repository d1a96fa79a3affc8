package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// ErrTooManyFailures terminates the loop when the circuit breaker trips.
var ErrTooManyFailures = errors.New("too many consecutive cycle failures")

// Service is one pipeline service: a named unit of work the Runner invokes
// once per cycle. RunOnce may perform bounded-parallel I/O internally but
// must honor ctx at every blocking point.
type Service interface {
	Name() string
	Interval() time.Duration
	RunOnce(ctx context.Context) error
}

// Runner drives a Service on its interval with a jittered first cycle and
// a consecutive-failure circuit breaker. Cancellation is always a clean
// shutdown, never a failed cycle.
type Runner struct {
	service  Service
	cfg      RunConfig
	logger   *slog.Logger
	metrics  *Metrics
	failures int
}

// NewRunner builds a Runner for the given service and loop config.
func NewRunner(service Service, cfg RunConfig, logger *slog.Logger) *Runner {
	return &Runner{
		service: service,
		cfg:     cfg,
		logger:  logger.With(slog.String("service", service.Name())),
		metrics: NewMetrics(service.Name()),
	}
}

// Run loops until ctx is cancelled or the circuit breaker trips. It
// returns nil on clean shutdown and ErrTooManyFailures when the breaker
// terminates the service.
func (r *Runner) Run(ctx context.Context) error {
	if delay := r.initialDelay(); delay > 0 {
		r.logger.Info("delaying first cycle", slog.Duration("delay", delay))

		if !suspend(ctx, delay) {
			r.logger.Info("shutting down")

			return nil
		}
	}

	for {
		err := r.runCycle(ctx)

		// a cycle interrupted by shutdown counts neither way
		if ctx.Err() == nil {
			if err != nil {
				r.failures++
				r.metrics.SetConsecutiveFailures(r.failures)

				if r.failures >= r.cfg.MaxConsecutiveFailures {
					r.logger.Error("circuit breaker tripped",
						slog.Int("consecutive_failures", r.failures),
						slog.Int("max_consecutive_failures", r.cfg.MaxConsecutiveFailures),
					)

					return fmt.Errorf("%w: %d", ErrTooManyFailures, r.failures)
				}
			} else if r.failures > 0 {
				r.failures = 0
				r.metrics.SetConsecutiveFailures(0)
			}
		}

		if !suspend(ctx, r.service.Interval()) {
			r.logger.Info("shutting down")

			return nil
		}
	}
}

// Once runs a single cycle and returns its outcome. Used by one-shot
// services and the --once flag; cancellation still returns nil.
func (r *Runner) Once(ctx context.Context) error {
	if err := r.runCycle(ctx); err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}

	return nil
}

// runCycle executes one cycle and records its metrics. It returns nil on
// success and on cancellation.
func (r *Runner) runCycle(ctx context.Context) error {
	r.logger.Info("cycle started")

	start := time.Now()
	err := r.service.RunOnce(ctx)
	elapsed := time.Since(start)

	r.metrics.ObserveCycleDuration(elapsed)
	r.metrics.MarkCycle()

	switch {
	case err == nil:
		r.metrics.CycleSuccess()
		r.logger.Info("cycle completed", slog.Duration("elapsed", elapsed))

		return nil
	case cancelled(ctx, err):
		r.logger.Info("cycle cancelled", slog.Duration("elapsed", elapsed))

		return nil
	default:
		r.metrics.CycleFailed()
		r.logger.Error("cycle failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)

		return err
	}
}

// initialDelay picks a random delay in [0, interval × jitter) so that
// restarted fleets do not hit their targets in lockstep.
func (r *Runner) initialDelay() time.Duration {
	if r.cfg.Jitter <= 0 {
		return 0
	}

	return time.Duration(rand.Float64() * r.cfg.Jitter * float64(r.service.Interval()))
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// suspend sleeps for d, waking early on cancellation. It reports whether
// the full interval elapsed.
func suspend(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
