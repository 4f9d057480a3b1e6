package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsEventually(t *testing.T) {
	orig := retryRand
	retryRand = func() float64 { return 0 }
	defer func() { retryRand = orig }()

	var sleeps []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	attempts := 0
	err := Retry(context.Background(), RetryConfig{Retries: 4, BaseDelay: time.Second}, sleep, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// Exponential backoff without jitter: 1s, 2s.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestRetry_ExhaustionReturnsLastError(t *testing.T) {
	last := errors.New("still broken")
	attempts := 0
	err := Retry(context.Background(), RetryConfig{Retries: 3, BaseDelay: time.Millisecond},
		func(context.Context, time.Duration) error { return nil },
		func() error {
			attempts++
			return last
		})
	if !errors.Is(err, last) {
		t.Errorf("err = %v, want the final attempt's error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("bad credentials")
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		Retries:   5,
		BaseDelay: time.Millisecond,
		RetryOn:   func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context, time.Duration) error { return nil }, func() error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want the fatal error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on fatal errors)", attempts)
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{Retries: 3, BaseDelay: time.Second},
		func(context.Context, time.Duration) error { return context.Canceled },
		func() error {
			attempts++
			return errors.New("transient")
		})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_JitterBounded(t *testing.T) {
	orig := retryRand
	retryRand = func() float64 { return 0.999 }
	defer func() { retryRand = orig }()

	var sleeps []time.Duration
	_ = Retry(context.Background(), RetryConfig{Retries: 2, BaseDelay: time.Second},
		func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
		func() error { return errors.New("x") })

	if len(sleeps) != 1 {
		t.Fatalf("sleeps = %v", sleeps)
	}
	if sleeps[0] < time.Second || sleeps[0] >= 2*time.Second {
		t.Errorf("delay %v outside [base, base+1s)", sleeps[0])
	}
}
