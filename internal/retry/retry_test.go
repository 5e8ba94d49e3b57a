package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Linear(3, time.Millisecond), func() error {
		calls++
		if calls < 3 {
			return errors.New("upstream 503")
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	wrapped := errors.New("bad request")
	result := Do(context.Background(), Linear(5, time.Millisecond), func() error {
		calls++
		return Permanent(wrapped)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.Err, wrapped) {
		t.Errorf("expected wrapped error, got %v", result.Err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Linear(3, time.Millisecond), func() error {
		calls++
		return errors.New("still failing")
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if result.Err == nil {
		t.Error("expected error after exhausting attempts")
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, Linear(3, time.Hour), func() error {
		return errors.New("should not matter")
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	value, result := DoWithValue(context.Background(), Linear(2, time.Millisecond), func() (int, error) {
		return 42, nil
	})
	if result.Err != nil || value != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", value, result.Err)
	}
}
