// Package retry runs an operation with exponential backoff and jitter.
// Callers mark errors that must not be retried with Permanent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError to stop retries.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Config configures the retry behavior.
type Config struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited, use MaxElapsed).
	MaxAttempts int
	Logger      *slog.Logger
}

// Local returns defaults for contention on local resources such as a
// SQLite file lock or a git index lock.
func Local() Config {
	return Config{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		MaxElapsed:   5 * time.Second,
		MaxAttempts:  5,
	}
}

// Do executes fn until it succeeds, returns a PermanentError, or the attempt
// or time budget runs out. It returns the last error.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	def := Local()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry", "op", op, "attempt", attempt, "elapsed", time.Since(start).Round(time.Millisecond))
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			logger.Warn("Retries exhausted (max attempts)", "op", op, "attempts", attempt, "lastError", err)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempt, err)
		}
		if elapsed := time.Since(start); elapsed >= cfg.MaxElapsed {
			logger.Warn("Retries exhausted (max elapsed)", "op", op, "attempts", attempt, "lastError", err)
			return fmt.Errorf("%s: retries exhausted after %v: %w", op, elapsed.Round(time.Millisecond), err)
		}

		sleep := delay
		if half := int64(delay) / 2; half > 0 {
			sleep += time.Duration(rand.Int63n(half))
		}
		logger.Debug("Operation failed, retrying", "op", op, "attempt", attempt, "delay", sleep.Round(time.Millisecond), "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", op, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, cfg.MaxDelay)
	}
}
