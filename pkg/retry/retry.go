package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("stocksync/retry")

// Retryer is the single retry policy shared by every call site that talks to
// an unreliable collaborator. It owns the attempt budget, the backoff curve,
// and the retryable-error predicate so those decisions are not duplicated per
// caller.
type Retryer struct {
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
	retryable    func(error) bool
}

type RetryConfig struct {
	MaxAttempts  uint                 // Default is 4. Total attempts, including the first.
	InitialDelay time.Duration        // Default is 1 second.
	MaxDelay     time.Duration        // Default is 60 seconds.
	Retryable    func(err error) bool // Default retries every error.
}

func NewRetryer(config RetryConfig) *Retryer {
	r := &Retryer{
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		retryable:    config.Retryable,
	}
	if r.maxAttempts == 0 {
		r.maxAttempts = 4
	}
	if r.initialDelay == 0 {
		r.initialDelay = time.Second
	}
	if r.maxDelay == 0 {
		r.maxDelay = 60 * time.Second
	}
	if r.retryable == nil {
		r.retryable = func(error) bool { return true }
	}
	return r
}

// Do runs op, retrying with exponential backoff while the error is retryable
// and the attempt budget lasts. Non-retryable errors are returned
// immediately.
func (r *Retryer) Do(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Retryer.Do")
	defer span.End()

	l := ctxzap.Extract(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialDelay
	bo.MaxInterval = r.maxDelay
	bo.MaxElapsedTime = 0

	attempt := uint(0)
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !r.retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= r.maxAttempts {
			l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.maxAttempts))
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		l.Warn("retrying operation", zap.Error(err), zap.Duration("wait", wait), zap.Uint("attempt", attempt))
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(bo, ctx), notify)
}
