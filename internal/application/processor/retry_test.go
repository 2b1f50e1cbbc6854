package processor

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

func TestRetryingExecutor_SucceedsOnThirdAttempt(t *testing.T) {
	e := NewRetryingExecutor(config.RetryConfig{MaxAttempts: 3, Wait: time.Millisecond}, logger.NewNoopLogger())

	calls := 0
	attempts, err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.ErrTransient("lock conflict", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryingExecutor_Exhausted(t *testing.T) {
	e := NewRetryingExecutor(config.RetryConfig{MaxAttempts: 4, Wait: time.Millisecond, MaxWait: 2 * time.Millisecond, Exponential: true}, logger.NewNoopLogger())

	cause := errors.ErrTransient("connection reset", nil)
	attempts, err := e.Execute(context.Background(), "op", func(context.Context) error { return cause })

	assert.Equal(t, 4, attempts)
	assert.True(t, errors.IsRetryable(err))
	assert.ErrorIs(t, err, cause)
}

func TestRetryingExecutor_PermanentErrorStopsImmediately(t *testing.T) {
	e := NewRetryingExecutor(config.RetryConfig{MaxAttempts: 3}, logger.NewNoopLogger())

	cause := errors.ErrUnwrapFailed("bad tag", nil)
	attempts, err := e.Execute(context.Background(), "op", func(context.Context) error { return cause })
	assert.Equal(t, 1, attempts)
	assert.Equal(t, cause, err)

	// unclassified errors are not retried either
	plain := stderrors.New("boom")
	attempts, err = e.Execute(context.Background(), "op", func(context.Context) error { return plain })
	assert.Equal(t, 1, attempts)
	assert.Equal(t, plain, err)
}

func TestRetryingExecutor_DefaultsToThreeAttempts(t *testing.T) {
	e := NewRetryingExecutor(config.RetryConfig{}, logger.NewNoopLogger())
	assert.Equal(t, 3, e.MaxAttempts())
}

func TestRetryingExecutor_CancelledContext(t *testing.T) {
	e := NewRetryingExecutor(config.RetryConfig{MaxAttempts: 5, Wait: time.Hour}, logger.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())

	attempts, err := e.Execute(ctx, "op", func(context.Context) error {
		cancel()
		return errors.ErrTransient("db down", nil)
	})
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.IsRetryable(err))
}
