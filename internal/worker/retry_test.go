package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/taskengine/internal/protocol"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"transient", errors.New("connection reset"), 1, true},
		{"attempts exhausted", errors.New("connection reset"), 6, false},
		{"canceled", context.Canceled, 1, false},
		{"server error", &StatusError{Code: http.StatusBadGateway}, 2, true},
		{"throttled", &StatusError{Code: http.StatusTooManyRequests}, 2, true},
		{"client error", &StatusError{Code: http.StatusConflict}, 1, false},
		{"configuration error", &StatusError{Code: http.StatusInternalServerError, Reason: protocol.CodeUnregistered}, 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}

	assert.True(t, p.Forever().ShouldRetry(errors.New("down"), 1000))
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	within := func(got, want time.Duration) {
		t.Helper()
		lo := time.Duration(float64(want) * 0.9)
		hi := time.Duration(float64(want) * 1.1)
		assert.GreaterOrEqual(t, got, lo)
		assert.LessOrEqual(t, got, hi)
	}
	within(p.Backoff(1), time.Second)
	within(p.Backoff(2), 2*time.Second)
	within(p.Backoff(4), 8*time.Second)
	within(p.Backoff(10), 60*time.Second)

	wide := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Second, Jitter: 0.5}
	for range 200 {
		got := wide.Backoff(3)
		assert.GreaterOrEqual(t, got, 500*time.Millisecond)
		assert.LessOrEqual(t, got, 1500*time.Millisecond)
	}

	exact := RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, time.Second, exact.Backoff(0))
	assert.Equal(t, 16*time.Second, exact.Backoff(5))
	assert.Equal(t, 30*time.Second, exact.Backoff(6))
}
