// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	kerrors "github.com/jllopis/kairosflow/pkg/errors"
)

func fastRetry(max int) RetryConfig {
	return DefaultRetryConfig().
		WithMaxAttempts(max).
		WithBackoff(Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond})
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
		{-1, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
	if got := b.Total(3); got != 700*time.Millisecond {
		t.Errorf("Total(3) = %v", got)
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.1}
	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		if d < 180*time.Millisecond || d > 220*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	err := fastRetry(3).Do(context.Background(), func(int) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := fastRetry(2).Do(context.Background(), func(int) error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Errorf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryNonRecoverable(t *testing.T) {
	attempts := 0
	err := fastRetry(5).Do(context.Background(), func(int) error {
		attempts++
		return kerrors.Validation("bad input")
	})
	if !kerrors.IsCode(err, kerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for non-recoverable error, got %d", attempts)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultRetryConfig().WithMaxAttempts(5).WithBackoff(Backoff{Base: time.Second})
	attempts := 0
	err := cfg.Do(ctx, func(int) error {
		attempts++
		cancel()
		return errors.New("fail")
	})
	if !kerrors.IsCode(err, kerrors.CodeCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryOnRetryHook(t *testing.T) {
	var seen []int
	var delays []time.Duration
	queueFull := func(err error) bool { return kerrors.IsCode(err, kerrors.CodeQueueFull) }
	cfg := fastRetry(3).WithIsRecoverable(queueFull).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		if !kerrors.IsCode(err, kerrors.CodeQueueFull) {
			t.Errorf("unexpected error passed to hook: %v", err)
		}
		seen = append(seen, attempt)
		delays = append(delays, delay)
	})
	var got []int
	err := cfg.Do(context.Background(), func(attempt int) error {
		got = append(got, attempt)
		return kerrors.QueueFull("tool_use", 1)
	})
	if !kerrors.IsCode(err, kerrors.CodeQueueFull) {
		t.Fatalf("expected the last queue full error, got %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("attempt numbers = %v", got)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("hook attempts = %v, want [1 2]", seen)
	}
	if delays[1] < delays[0] {
		t.Errorf("delays should not shrink: %v", delays)
	}
}

func TestWithTimeoutReturnsValue(t *testing.T) {
	got, err := WithTimeout(context.Background(), time.Second, "task-1", func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("unexpected result %d, %v", got, err)
	}
}

func TestWithTimeoutDeadline(t *testing.T) {
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, "task-2", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return 0, nil
	})
	if !kerrors.IsCode(err, kerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !kerrors.IsRecoverable(err) {
		t.Fatalf("timeouts must be recoverable")
	}
}

func TestWithTimeoutParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := WithTimeout(ctx, time.Second, "task-3", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !kerrors.IsCode(err, kerrors.CodeCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWithTimeoutZeroMeansNoDeadline(t *testing.T) {
	_, err := WithTimeout(context.Background(), 0, "task-4", func(ctx context.Context) (bool, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Errorf("unexpected deadline")
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Deadline(0) != "none" || Deadline(time.Second) != "1s" {
		t.Fatalf("unexpected deadline formatting")
	}
}

func TestCircuitBreakerClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Name: "crm"})
	for i := 0; i < 5; i++ {
		if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreakerOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour, Name: "carrier"})
	fail := func(context.Context) error { return errors.New("down") }
	_ = cb.Call(context.Background(), fail)
	_ = cb.Call(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("open breaker must not invoke fn")
	}
	if !kerrors.IsCode(err, kerrors.CodeExternalTool) || !kerrors.IsRecoverable(err) {
		t.Fatalf("expected recoverable external tool error, got %v", err)
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open")
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cool-down, got %s", cb.State())
	}
	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }
	cb.Open()

	now = now.Add(2 * time.Minute)
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("still down") })
	if cb.State() != StateOpen {
		t.Fatalf("expected re-open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	cb.Open()
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset")
	}
	if cb.Name() != "circuit_breaker" {
		t.Fatalf("unexpected default name %q", cb.Name())
	}
}
