package migration

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxAttempts int, retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Retryable:   retryable,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), fastPolicy(3, nil), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if res.Outcome != RetryOK {
		t.Fatalf("outcome: want=RetryOK got=%v err=%v", res.Outcome, res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts: want=3 got=%d", res.Attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	wantErr := errors.New("still broken")
	calls := 0
	res := Retry(context.Background(), fastPolicy(3, nil), func(ctx context.Context) error {
		calls++
		return wantErr
	})

	if res.Outcome != RetryExhausted {
		t.Fatalf("outcome: want=RetryExhausted got=%v", res.Outcome)
	}
	if calls != 3 {
		t.Fatalf("calls: want=3 got=%d", calls)
	}
	if !errors.Is(res.Err, wantErr) {
		t.Fatalf("err: want=%v got=%v", wantErr, res.Err)
	}
}

func TestRetryFatalOnNonRetryable(t *testing.T) {
	fatal := errors.New("constraint violation")
	calls := 0
	retryable := func(err error) bool { return !errors.Is(err, fatal) }

	res := Retry(context.Background(), fastPolicy(5, retryable), func(ctx context.Context) error {
		calls++
		return fatal
	})

	if res.Outcome != RetryFatal {
		t.Fatalf("outcome: want=RetryFatal got=%v", res.Outcome)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", calls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	res := Retry(ctx, fastPolicy(5, nil), func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})

	if res.Outcome != RetryFatal {
		t.Fatalf("outcome: want=RetryFatal got=%v", res.Outcome)
	}
	if calls != 0 {
		t.Fatalf("cancelled context must skip the operation, got %d calls", calls)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("err: want context.Canceled got=%v", res.Err)
	}
}

func TestTransientErrorClassification(t *testing.T) {
	if transientError(context.Canceled) {
		t.Fatalf("context.Canceled must not be transient")
	}
	if transientError(context.DeadlineExceeded) {
		t.Fatalf("context.DeadlineExceeded must not be transient")
	}
	if !transientError(errors.New("connection reset")) {
		t.Fatalf("ordinary errors must be transient")
	}
}
