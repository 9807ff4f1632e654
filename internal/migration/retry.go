package migration

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type RetryOutcome int

const (
	RetryOK RetryOutcome = iota
	// RetryExhausted means every attempt failed with a transient error; the
	// caller counts it against errorCount.
	RetryExhausted
	// RetryFatal means the operation failed with a non-retryable error, or the
	// context was cancelled.
	RetryFatal
)

type RetryPolicy struct {
	MaxAttempts int
	// Retryable classifies an error as transient. Nil means every error is
	// transient.
	Retryable func(err error) bool

	MinBackoff time.Duration // default 100ms
	MaxBackoff time.Duration // default 5s
	JitterFrac float64       // default 0.20
}

type RetryResult struct {
	Outcome  RetryOutcome
	Err      error
	Attempts int
}

// Retry runs op with bounded retries and exponential backoff. It returns a
// classification instead of retrying forever or panicking: transient failures
// escalate to the caller only after attempts exhaust.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) RetryResult {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	minBackoff := p.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 100 * time.Millisecond
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	jitter := p.JitterFrac
	if jitter <= 0 {
		jitter = 0.20
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult{Outcome: RetryFatal, Err: err, Attempts: attempt - 1}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return RetryResult{Outcome: RetryOK, Attempts: attempt}
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return RetryResult{Outcome: RetryFatal, Err: lastErr, Attempts: attempt}
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return RetryResult{Outcome: RetryFatal, Err: ctx.Err(), Attempts: attempt}
		case <-time.After(backoffFor(attempt, minBackoff, maxBackoff, jitter)):
		}
	}
	return RetryResult{Outcome: RetryExhausted, Err: lastErr, Attempts: attempts}
}

func backoffFor(attempt int, min, max time.Duration, jitterFrac float64) time.Duration {
	d := time.Duration(float64(min) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Float64() * jitterFrac * float64(d))
	return d + jitter
}
