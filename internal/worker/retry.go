package worker

import (
	"context"
	"errors"
	"time"
)

// Backoff describes a bounded exponential retry schedule
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used when a caller passes a zero Backoff
var DefaultBackoff = Backoff{Attempts: 3, Base: 500 * time.Millisecond, Max: 10 * time.Second}

// retrySleepFunc sleeps between attempts (injectable for tests)
var retrySleepFunc = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the wait before retry number attempt (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base << uint(attempt)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. A nil retryable treats every error except context
// cancellation as retryable. The last error is returned.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if b.Attempts <= 0 {
		b = DefaultBackoff
	}
	if retryable == nil {
		retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}

	var err error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt < b.Attempts-1 {
			if sleepErr := retrySleepFunc(ctx, b.Delay(attempt)); sleepErr != nil {
				return err
			}
		}
	}
	return err
}

// IsTimeout reports whether err is a deadline expiry
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
