package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry with exponential backoff
type RetryConfig struct {
	// MaxRetries is the maximum number of retries after the first attempt (-1 = unlimited)
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps a single delay (0 = no cap)
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases (default: 2.0)
	Multiplier float64
	// Jitter randomizes each delay by ±Jitter (0.0 - 1.0)
	Jitter float64
	// RetryIf decides whether an error is retryable. nil retries everything.
	RetryIf func(error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, next time.Duration)
}

// DefaultRetryConfig returns the read-path policy: 500ms base, x2, 4 retries, ±25% jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 4,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   0,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts  int           // Number of attempts made
	LastError error         // Last error encountered
	Duration  time.Duration // Total duration of all attempts
}

// ErrMaxRetriesExceeded is returned when max retries is exceeded
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// ErrContextCanceled is returned when context is canceled during retry
var ErrContextCanceled = errors.New("context canceled during retry")

// NewBackOff builds the backoff schedule described by config.
func NewBackOff(config *RetryConfig) backoff.BackOff {
	if config == nil {
		config = DefaultRetryConfig()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = config.BaseDelay
	eb.RandomizationFactor = config.Jitter
	eb.Multiplier = config.Multiplier
	if eb.Multiplier <= 0 {
		eb.Multiplier = 2.0
	}
	eb.MaxInterval = config.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Duration(1<<63 - 1)
	}
	// The caller's context bounds total time.
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if config.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	return b
}

// Retry executes a function with exponential backoff retry
func Retry(ctx context.Context, config *RetryConfig, fn func() error) *RetryResult {
	_, result := RetryWithValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return result
}

// RetryWithValue executes a function that returns a value with exponential backoff retry
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var (
		val       T
		lastErr   error
		permanent bool
	)
	result := &RetryResult{}
	start := time.Now()

	op := func() error {
		result.Attempts++
		v, err := fn()
		if err == nil {
			val = v
			return nil
		}
		lastErr = err
		if config.RetryIf != nil && !config.RetryIf(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		if config.OnRetry != nil {
			config.OnRetry(result.Attempts, err, next)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(NewBackOff(config), ctx), notify)
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		result.LastError = nil
	case permanent:
		result.LastError = lastErr
	case ctx.Err() != nil:
		result.LastError = errors.Join(ErrContextCanceled, ctx.Err(), lastErr)
	default:
		result.LastError = errors.Join(ErrMaxRetriesExceeded, lastErr)
	}
	return val, result
}
