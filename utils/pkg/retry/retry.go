package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Strategy selects how the wait between attempts grows.
type Strategy int

const (
	// Exponential waits base * 2^n with jitter.
	Exponential Strategy = iota
	// Linear waits base * n, where n is the number of failed attempts so far.
	Linear
)

func (s Strategy) String() string {
	switch s {
	case Linear:
		return "linear"
	default:
		return "exponential"
	}
}

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Strategy    Strategy

	// NoJitter disables the random jitter applied to exponential waits.
	NoJitter bool

	// RetryIf decides whether an error is worth another attempt. Defaults to IsRetryable.
	RetryIf func(error) bool

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)

	// Clock is used for waits. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// LinearConfig returns a configuration that waits base, 2*base, ... between attempts.
func LinearConfig(attempts int, base time.Duration) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: base,
		MaxBackoff:  base * time.Duration(attempts),
		Strategy:    Linear,
		NoJitter:    true,
	}
}

// Always retries every error except context cancellation and errors marked Permanent.
func Always(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}

// Do executes the given function with backoff retry.
// Returns the last error if all attempts fail.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoCount(ctx, cfg, fn)
	return err
}

// DoCount is Do that also reports how many attempts were made.
func DoCount(ctx context.Context, cfg Config, fn func() error) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := cfg.backoff(attempt - 1)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt-1, lastErr, wait)
			}
			if wait > 0 {
				select {
				case <-ctx.Done():
					return attempt - 1, ctx.Err()
				case <-clock.After(wait):
				}
			} else if err := ctx.Err(); err != nil {
				return attempt - 1, err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return attempt, nil
		}

		// Don't retry if error is not retryable
		if !retryIf(lastErr) {
			return attempt, lastErr
		}
	}

	return cfg.MaxAttempts, fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func (cfg Config) backoff(failures int) time.Duration {
	if cfg.Strategy == Linear {
		wait := cfg.BaseBackoff * time.Duration(failures)
		if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
		return wait
	}
	if cfg.NoJitter {
		return exponential(cfg.BaseBackoff, cfg.MaxBackoff, failures)
	}
	return calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, failures)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retryable marks err as worth retrying regardless of its message.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Permanent marks err as never worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var r *retryableError
	if errors.As(err, &r) {
		return true
	}

	// Context cancellation is not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		if strings.Contains(err.Error(), "connection") ||
			strings.Contains(err.Error(), "EOF") ||
			strings.Contains(err.Error(), "broken pipe") {
			return true
		}
	}

	// Check for HTTP status codes
	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection closed",
		"connection refused",
		"eof",
		"broken pipe",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"too many requests",
		"blockhash not found",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func exponential(base, max time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt))
	if max > 0 && backoff > max {
		backoff = max
	}
	return backoff
}

// calculateBackoff calculates exponential backoff with jitter.
// Formula: base * 2^attempt * (0.5 + rand(0, 0.5))
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := exponential(base, max, attempt)
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
