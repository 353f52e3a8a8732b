package retry

import (
	"context"
	"time"
)

// Backoff returns the wait before retry number attempt (0-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration before every retry.
type Fixed time.Duration

func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Exponential doubles Base per attempt, capped at Max when Max is set.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := e.Base * time.Duration(1<<attempt)
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Do runs fn up to attempts times. It stops early when fn succeeds, when
// retryable reports false for the returned error, or when ctx is done. The
// last error is returned.
func Do(ctx context.Context, attempts int, b Backoff, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx, i); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(b.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
