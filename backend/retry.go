package backend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"
)

// RetryPolicy retries transient inference failures with per-class backoff:
//
//	429          → attempt × 5s (the provider is pacing us, back off harder each time)
//	5xx          → 3s
//	timeout      → 3s
//	other errors → 2s
//
// Non-429 4xx responses are never retried — the request itself is wrong and
// resending it can only waste quota.
type RetryPolicy struct {
	MaxAttempts int
	logger      *slog.Logger

	// Sleep waits between attempts; tests swap it out to avoid real
	// delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy builds the standard 3-attempt policy.
func NewRetryPolicy(maxAttempts int, logger *slog.Logger) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return RetryPolicy{MaxAttempts: maxAttempts, logger: logger, Sleep: sleepCtx}
}

// Do runs fn until it succeeds, exhausts attempts, or hits a non-retryable
// error. The last error is returned unwrapped so callers can classify it.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == p.MaxAttempts {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}

		delay := backoffFor(lastErr, attempt)
		p.logger.Warn("retrying after transient failure",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"backoff", delay,
			"error", lastErr)
		if err := p.Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == 429 {
			return true
		}
		if se.Code >= 400 && se.Code < 500 {
			return false
		}
		return true
	}
	return true
}

// backoffFor picks the wait before the next attempt. attempt is 1-based.
func backoffFor(err error, attempt int) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == 429 {
			return time.Duration(attempt) * 5 * time.Second
		}
		if se.Code >= 500 {
			return 3 * time.Second
		}
	}
	if isTimeout(err) {
		return 3 * time.Second
	}
	return 2 * time.Second
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
