package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("dial tcp 127.0.0.1:1: connect: connection refused")

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestNewPolicyDefaults(t *testing.T) {
	cfg := NewPolicy(Config{MaxRetries: -1, InitialBackoff: time.Second, MaxBackoff: time.Millisecond}).Config()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	require.NotNil(t, cfg.Retryable)
	assert.True(t, cfg.Retryable(errRefused))
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := NewPolicy(fastConfig(3))

	calls := 0
	var retried []int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errRefused
		}
		return nil
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
		assert.ErrorIs(t, err, errRefused)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("x509: certificate signed by unknown authority")
	p := NewPolicy(fastConfig(3))

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	}, func(int, error) {
		t.Error("permanent errors are not retried")
	})

	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	p := NewPolicy(fastConfig(2))

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errRefused
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 3, calls)
}

func TestDoWithoutRetries(t *testing.T) {
	p := NewPolicy(fastConfig(0))
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errRefused
	}, nil)
	assert.ErrorIs(t, err, errRefused)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestDoCustomClassifier(t *testing.T) {
	flaky := errors.New("flaky")
	cfg := fastConfig(1)
	cfg.Retryable = func(err error) bool { return errors.Is(err, flaky) }
	p := NewPolicy(cfg)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return flaky
	}, nil)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 2, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPolicy(fastConfig(5))
	err := p.Do(ctx, func(context.Context) error {
		t.Error("fn must not run after cancellation")
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithCancel(context.Background())
	p = NewPolicy(Config{MaxRetries: 5, InitialBackoff: time.Minute, MaxBackoff: time.Minute})
	start := time.Now()
	err = p.Do(ctx, func(context.Context) error {
		cancel()
		return errRefused
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{errRefused, true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("dial tcp: lookup nowhere.invalid: no such host"), true},
		{errors.New("remote error: tls: bad certificate"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), "%v", tt.err)
	}
}
