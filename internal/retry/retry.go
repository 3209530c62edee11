// Package retry re-runs connection attempts that fail for transient reasons,
// backing off exponentially between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrMaxRetriesExceeded is returned when all attempts failed with retryable errors.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Config defines retry behaviour for connection attempts.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter randomises each delay by up to 25%.
	Jitter bool
	// Retryable reports whether an error may succeed on another attempt.
	// Defaults to IsRetryableError.
	Retryable func(error) bool
}

// DefaultConfig returns the defaults used by trustctl probe.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Policy runs operations under a retry configuration.
type Policy struct {
	config Config
}

// NewPolicy creates a retry policy, filling unset fields from DefaultConfig.
func NewPolicy(config Config) *Policy {
	defaults := DefaultConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Retryable == nil {
		config.Retryable = IsRetryableError
	}
	return &Policy{config: config}
}

// Config returns a copy of the policy configuration.
func (p *Policy) Config() Config {
	return p.config
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.config.InitialBackoff
	exp.MaxInterval = p.config.MaxBackoff
	exp.Multiplier = p.config.BackoffMultiplier
	exp.RandomizationFactor = 0
	if p.config.Jitter {
		exp.RandomizationFactor = 0.25
	}
	exp.Reset()
	return exp
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// retries are used up. Non-retryable errors are returned unchanged; exhausted
// retries wrap the last error with ErrMaxRetriesExceeded. onRetry, if set, is
// called with the attempt number before each backoff.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := 0
	op := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx)
		if err != nil && !p.config.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.config.MaxRetries) + 1),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			onRetry(attempts, err)
		}))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if p.config.MaxRetries > 0 && attempts > p.config.MaxRetries && p.config.Retryable(err) {
		return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
	}
	return err
}

// IsRetryableError reports whether err looks like a transient network failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"temporary failure",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
