package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got=%d calls want=1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got=%d calls want=3", calls)
	}
}

func TestDoReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	err := Do(context.Background(), cfg, func() error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("got=%v want=%v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("got=%d calls want=3 (exactly MaxAttempts)", calls)
	}
}

func TestDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	retryable := errors.New("retryable")
	nonRetryable := errors.New("fatal")
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, RetryableErrors: []error{retryable}}
	err := Do(context.Background(), cfg, func() error {
		calls++
		return nonRetryable
	})
	if err != nonRetryable {
		t.Fatalf("got=%v want=%v", err, nonRetryable)
	}
	if calls != 1 {
		t.Fatalf("got=%d calls want=1, a non-retryable error must stop after the first attempt", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	err := Do(ctx, cfg, func() error {
		t.Fatalf("operation should never run once the context is already cancelled")
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("got=%v want=%v", err, context.Canceled)
	}
}

func TestDoWithResultReturnsOperationValue(t *testing.T) {
	got, err := DoWithResult(context.Background(), DefaultConfig(), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got=%d want=42", got)
	}
}
