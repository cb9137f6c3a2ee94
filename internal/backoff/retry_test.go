package backoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary error")

func quickPolicy() Policy {
	return Policy{Base: 5 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2, Jitter: 0}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	ctx := context.Background()

	var attempts int32
	result, err := Retry(ctx, quickPolicy(), 3, func(attempt int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "success", nil
	})

	if err != nil {
		t.Errorf("Retry() error = %v, want nil", err)
	}
	if result.Value != "success" {
		t.Errorf("Retry() value = %v, want success", result.Value)
	}
	if result.Attempts != 1 {
		t.Errorf("Retry() attempts = %v, want 1", result.Attempts)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("Function called %v times, want 1", attempts)
	}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	ctx := context.Background()

	var attempts int32
	result, err := Retry(ctx, quickPolicy(), 5, func(attempt int) (int, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return 0, errTemporary
		}
		return int(n), nil
	})

	if err != nil {
		t.Errorf("Retry() error = %v, want nil", err)
	}
	if result.Value != 3 {
		t.Errorf("Retry() value = %v, want 3", result.Value)
	}
	if result.Attempts != 3 {
		t.Errorf("Retry() attempts = %v, want 3", result.Attempts)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	ctx := context.Background()

	var attempts int32
	result, err := Retry(ctx, quickPolicy(), 3, func(attempt int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errTemporary
	})

	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Retry() error = %v, want ErrExhausted", err)
	}
	if result.LastError != errTemporary {
		t.Errorf("Retry() LastError = %v, want errTemporary", result.LastError)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("Function called %v times, want 3", attempts)
	}
}

func TestRetry_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// Long enough that cancellation lands inside the sleep.
	policy := Policy{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0}

	var attempts int32
	go func() {
		for atomic.LoadInt32(&attempts) < 1 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := Retry(ctx, policy, 5, func(attempt int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errTemporary
	})
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
	if result.Attempts < 1 {
		t.Errorf("Retry() attempts = %v, want >= 1", result.Attempts)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("Retry() took too long: %v", elapsed)
	}
}

func TestRetry_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var attempts int32
	_, err := Retry(ctx, quickPolicy(), 5, func(attempt int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "success", nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
	if atomic.LoadInt32(&attempts) != 0 {
		t.Errorf("Function called %v times, want 0", attempts)
	}
}

func TestRetry_AttemptNumberPassedCorrectly(t *testing.T) {
	ctx := context.Background()

	var receivedAttempts []int
	_, _ = Retry(ctx, quickPolicy(), 3, func(attempt int) (struct{}, error) {
		receivedAttempts = append(receivedAttempts, attempt)
		return struct{}{}, errTemporary
	})

	expected := []int{1, 2, 3}
	if len(receivedAttempts) != len(expected) {
		t.Fatalf("Got %v attempts, want %v", len(receivedAttempts), len(expected))
	}
	for i, v := range expected {
		if receivedAttempts[i] != v {
			t.Errorf("Attempt %d: got %v, want %v", i, receivedAttempts[i], v)
		}
	}
}

func TestRetry_ZeroAttempts(t *testing.T) {
	ctx := context.Background()

	var attempts int32
	_, err := Retry(ctx, quickPolicy(), 0, func(attempt int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "success", nil
	})

	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Retry() error = %v, want ErrExhausted", err)
	}
	if atomic.LoadInt32(&attempts) != 0 {
		t.Errorf("Function called %v times, want 0", attempts)
	}
}

func TestRetry_BackoffActuallyApplied(t *testing.T) {
	ctx := context.Background()
	policy := Policy{Base: 20 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0}

	start := time.Now()
	_, _ = Retry(ctx, policy, 3, func(attempt int) (string, error) {
		return "", errTemporary
	})
	elapsed := time.Since(start)

	// Sleeps after attempts 1 and 2: 20ms + 40ms = 60ms minimum.
	if elapsed < 50*time.Millisecond {
		t.Errorf("Retry() completed too quickly: %v, expected >= 50ms of backoff", elapsed)
	}
}
