// Package retry runs operations with exponential backoff, retrying only
// errors classified as retryable.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
)

// Policy configures retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	Logger      *slog.Logger

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a value in [0, 1) for jitter. Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns 3 attempts with 1s base delay, 60s cap and jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

func (p Policy) jitterFactor() float64 {
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return 0.5 + r() // [0.5, 1.5)
}

// Delay returns the wait before the attempt following attempt (1-based):
// min(base * 2^(attempt-1), max), scaled by a factor in [0.5, 1.5) with jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= p.jitterFactor()
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls op until it succeeds, returns a non-retryable error, attempts run
// out, or ctx is done. The last error is returned when attempts run out.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	log := logger.OrDiscard(p.Logger)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !insighterrors.IsRetryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		log.Warn("retrying after error",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay.String(),
			"kind", string(insighterrors.KindOf(err)),
			"error", err)

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
