package backoff

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testConfig returns a fast backoff config for tests.
func testConfig() Config {
	return Config{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.AttemptTimeout != 0 {
		t.Errorf("AttemptTimeout = %v, want 0 (unbounded)", cfg.AttemptTimeout)
	}
}

func TestRetry_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32

	err := Retry(context.Background(), testConfig(), "test", quietLogger(), func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fn called %d times, want 1", calls.Load())
	}
}

func TestRetry_FailThenSucceed(t *testing.T) {
	t.Parallel()
	errDown := errors.New("not yet")
	var calls atomic.Int32

	err := Retry(context.Background(), testConfig(), "test", quietLogger(), func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errDown
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("fn called %d times, want 4", calls.Load())
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	errDown := errors.New("down")

	var calls atomic.Int32
	err := Retry(ctx, testConfig(), "test", quietLogger(), func(context.Context) error {
		if calls.Add(1) == 2 {
			cancel()
		}
		return errDown
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
}

func TestRetry_AttemptTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.AttemptTimeout = 5 * time.Millisecond
	var calls atomic.Int32

	err := Retry(context.Background(), cfg, "test", quietLogger(), func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v, want the hung attempt abandoned and retried", err)
	}
	if calls.Load() != 2 {
		t.Errorf("fn called %d times, want 2", calls.Load())
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()
	if !Sleep(context.Background(), time.Millisecond) {
		t.Error("Sleep() = false on an uncancelled context")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, time.Hour) {
		t.Error("Sleep() = true on a cancelled context")
	}
}
