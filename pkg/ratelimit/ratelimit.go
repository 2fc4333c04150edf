package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrCapacityExceeded is returned when a token could not be acquired within
// the configured timeout. Callers may retry after a delay.
var ErrCapacityExceeded = errors.New("rate limiter capacity exceeded")

const (
	defaultRequestsPerSecond = 2
	defaultBurst             = 2
	defaultAcquireTimeout    = 30 * time.Second
)

// Limiter is a token-bucket throttle shared by all outbound calls in a sync
// run. It is safe for concurrent acquisition.
type Limiter struct {
	bucket         *rate.Limiter
	acquireTimeout time.Duration
}

type Config struct {
	RequestsPerSecond float64       // Default is 2.
	Burst             int           // Default is 2.
	AcquireTimeout    time.Duration // Default is 30 seconds.
}

func NewLimiter(config Config) *Limiter {
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := config.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	timeout := config.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}

	return &Limiter{
		bucket:         rate.NewLimiter(rate.Limit(rps), burst),
		acquireTimeout: timeout,
	}
}

// Acquire blocks until a token is available or the acquire timeout elapses.
// A timeout is reported as ErrCapacityExceeded; caller cancellation is
// propagated as-is.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	err := l.bucket.Wait(waitCtx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	ctxzap.Extract(ctx).Warn("rate limiter acquire timed out",
		zap.Duration("acquire_timeout", l.acquireTimeout),
		zap.Float64("requests_per_second", float64(l.bucket.Limit())),
	)
	return fmt.Errorf("%w: no token within %s", ErrCapacityExceeded, l.acquireTimeout)
}
