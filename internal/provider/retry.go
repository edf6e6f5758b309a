package provider

import (
	"context"
	"time"
)

// RetryPolicy bounds the attempts an adapter makes against its own upstream
// before giving up and letting the router move on.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
	}
}

// Delay returns the backoff before attempt n (n starts at 1 for the first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx is done. Only NETWORK_ERROR is retried.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(p.Delay(i))
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, lastErr
			case <-t.C:
			}
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !Retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}
