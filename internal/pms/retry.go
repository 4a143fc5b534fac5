package pms

import (
	"context"
	"time"

	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// RetryPolicy bounds caller-side retries of retryable PMS failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Operation   string
	Logger      *logging.Logger
}

// DefaultRetryPolicy makes three attempts starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Named returns a copy of p that logs under operation.
func (p RetryPolicy) Named(operation string) RetryPolicy {
	p.Operation = operation
	return p
}

// Retry runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		if p.Logger != nil {
			p.Logger.Warn("pms retry",
				"operation", p.Operation,
				"attempt", attempt+1,
				"error", err,
			)
		}
		if sleepErr := sleep(ctx, p.delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
