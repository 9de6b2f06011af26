// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/sdragent/internal/model"
)

// Classifier reports whether err is worth another attempt.
type Classifier func(error) bool

// Policy configures Do.
type Policy struct {
	// MaxAttempts includes the first attempt. Values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff delay; zero means uncapped.
	MaxDelay time.Duration

	// Classifier defaults to Retryable.
	Classifier Classifier
	// Sleep defaults to a context-aware timer wait. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, if set, is called before every backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay is the backoff before the given attempt (attempt >= 2):
// BaseDelay * 2^(attempt-2), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Kind() model.ErrorKind { return model.KindRetryExhausted }

// CauseKind is the kind of the last underlying failure.
func (e *ExhaustedError) CauseKind() model.ErrorKind { return model.KindOf(e.Last) }

// Retryable is false so nested policies do not multiply attempts.
func (e *ExhaustedError) Retryable() bool { return false }

// Retryable is the default Classifier. It defers to a Retryable() method on
// the typed errors of the chain. Cancellation and invalid input are never
// retried; a per-call deadline is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, model.ErrInvalidDomain) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do calls op until it succeeds, returns a non-retryable error, or the
// attempt budget runs out. Non-retryable errors are returned unchanged;
// exhaustion yields *ExhaustedError. If ctx ends, its error is returned.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	classify := p.Classifier
	if classify == nil {
		classify = Retryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	limit := p.attempts()
	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, last)
			}
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if !classify(err) {
			return zero, err
		}
		last = err
	}
	return zero, &ExhaustedError{Attempts: limit, Last: last}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
