package worker

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is a jittered exponential backoff for calls to the master.
type RetryPolicy struct {
	// MaxAttempts bounds the number of tries. Zero retries until the
	// context ends.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by +/- this fraction.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used for polling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.1,
	}
}

// Forever returns a copy of p that never gives up.
func (p RetryPolicy) Forever() RetryPolicy {
	p.MaxAttempts = 0
	return p
}

// ShouldRetry decides whether another attempt may follow the given failed
// attempt (1-based).
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
