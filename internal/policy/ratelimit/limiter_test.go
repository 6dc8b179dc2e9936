package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitThrottlesPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://test.com/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 10 RPS leaves a ~100ms gap before the next token.
	start := time.Now()
	if err := l.Wait(ctx, "https://TEST.com/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}

	start = time.Now()
	if err := l.Wait(ctx, "https://other.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected a fresh bucket for another host, waited %v", dur)
	}
	if got := l.Hosts(); got != 2 {
		t.Fatalf("expected 2 host buckets, got %d", got)
	}
}

func TestLimiterUnlimitedAndCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 100 {
		if err := l.Wait(context.Background(), "https://fast.example"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	slow := New(Config{RPS: 0.001, Burst: 1})
	if err := slow.Wait(context.Background(), "::bad url"); err != nil {
		t.Fatalf("first token should be immediate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := slow.Wait(ctx, "::bad url"); err == nil {
		t.Fatal("expected canceled wait to fail")
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Wait(context.Background(), "https://x"); err != nil {
		t.Fatalf("nil limiter should not block: %v", err)
	}
}
