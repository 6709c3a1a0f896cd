// Package backoff retries blocking setup steps (sensor acquisition,
// waiting for a network lease) with exponential backoff.
//
// It covers multi-second outages at startup: a USB serial adapter that
// enumerates late, or a DHCP lease that takes a while to arrive. It is
// not used inside the orchestrator's tick loop, which measures elapsed
// time against captured timestamps instead of sleeping.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config controls the exponential backoff behavior.
type Config struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// AttemptTimeout limits how long each individual call may take.
	// Zero means no per-attempt limit.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the schedule 1s, 2s, 4s, 8s, 16s, 30s (capped),
// retrying until cancelled.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// withDefaults fills zero-value fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Retry calls fn until it returns nil or ctx is cancelled. The returned
// error wraps the last failure from fn.
func Retry(ctx context.Context, cfg Config, name string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := call(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded", "op", name, "after_attempts", attempt)
			}
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, errors.Join(ctx.Err(), err))
		}

		logger.Warn("attempt failed, retrying",
			"op", name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !Sleep(ctx, delay) {
			return fmt.Errorf("%s: %w", name, errors.Join(ctx.Err(), err))
		}

		// Grow delay with ceiling.
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// call runs fn with the per-attempt timeout, if any.
func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// Sleep sleeps for d or until ctx is cancelled. Returns false if cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
