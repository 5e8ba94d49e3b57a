// Package retry provides utilities for retrying operations with configurable
// backoff strategies.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// Delay is the pause between attempts.
	Delay time.Duration
	// Factor is the multiplier applied to the delay after each attempt.
	// A factor of 1.0 gives linear (constant-delay) retries.
	Factor float64
}

// Linear creates a config with a constant delay between attempts.
func Linear(maxAttempts int, delay time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, Delay: delay, Factor: 1.0}
}

// Exponential creates a config that doubles the delay after each attempt.
func Exponential(maxAttempts int, initial time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, Delay: initial, Factor: 2.0}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
}

// Do executes the operation with retries. Errors wrapped with Permanent stop
// the loop immediately; context cancellation aborts between attempts.
func Do(ctx context.Context, config Config, op func() error) Result {
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Delay <= 0 {
		config.Delay = 100 * time.Millisecond
	}
	if config.Factor <= 0 {
		config.Factor = 1.0
	}

	delay := config.Delay
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err

		if IsPermanent(err) {
			return result
		}
		if attempt >= config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * config.Factor)
	}
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
