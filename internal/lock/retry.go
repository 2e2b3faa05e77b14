package lock

import (
	"context"
	"time"
)

// RetryPolicy re-runs a failing call MaxRetries times, waiting Delay between
// attempts.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	// OnRetry is called before each wait with the attempt number (1-based) and
	// the error that triggered it.
	OnRetry func(attempt int, err error)
}

// Do runs fn until it succeeds, the retries are spent or ctx is done.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == r.MaxRetries {
			break
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, err)
		}
		timer := time.NewTimer(r.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
