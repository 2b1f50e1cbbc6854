package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// RetryingExecutor runs an operation up to a bounded number of attempts, waiting between
// attempts on the calling goroutine. Only transient errors are retried.
// RetryingExecutor 以有限次数重试操作，只有瞬时错误才会重试。
type RetryingExecutor struct {
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      logger.Logger
}

// NewRetryingExecutor creates an executor from the retry configuration.
func NewRetryingExecutor(cfg config.RetryConfig, log logger.Logger) *RetryingExecutor {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = constants.DefaultMaxAttempts
	}
	newBackOff := func() backoff.BackOff { return backoff.NewConstantBackOff(cfg.Wait) }
	if cfg.Exponential {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.Wait
			if cfg.MaxWait > 0 {
				b.MaxInterval = cfg.MaxWait
			}
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &RetryingExecutor{
		maxAttempts: maxAttempts,
		newBackOff:  newBackOff,
		logger:      log.WithComponent("RetryingExecutor"),
	}
}

// MaxAttempts returns the attempt bound.
func (e *RetryingExecutor) MaxAttempts() int {
	return e.maxAttempts
}

// Execute runs op until it succeeds, fails with a non-transient error, or the attempts run
// out. It returns the number of attempts made. Exhaustion yields a transient error wrapping
// the last failure so the caller may re-submit later.
func (e *RetryingExecutor) Execute(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil || errors.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn(ctx, "Transient failure, retrying",
			logger.String("operation", name),
			logger.Int("attempt", attempts),
			logger.Duration("wait", wait),
			logger.Err(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return attempts, nil
	}
	if errors.IsTransient(err) {
		e.logger.Error(ctx, "Giving up after transient failures", err,
			logger.String("operation", name),
			logger.Int("attempts", attempts),
		)
		return attempts, errors.ErrTransient(fmt.Sprintf("%s failed after %d attempts", name, attempts), err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		return attempts, errors.ErrTransient(name+" was interrupted", err)
	}
	return attempts, err
}
