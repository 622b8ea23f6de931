// Package retry wraps a fallible remote call in capped exponential backoff.
//
// Only errors for which failure.IsTransient reports true are retried. Any
// other error ends the loop on the spot. The wrapped operation must be safe to
// repeat: the worker calls in this service mutate nothing locally before they
// succeed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/snarg/sitevoice/internal/failure"
)

// Policy bounds a retry loop. Delay before retry n (0-based) is
// min(BaseDelay * 2^n, MaxDelay), without jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy suits inference endpoints that scale to zero and answer 503
// while a model loads.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Validate rejects policies that cannot make progress.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry: delays must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type settings struct {
	onRetry func(attempt int, delay time.Duration, err error)
	timer   backoff.Timer
}

// Option customizes a single Do call.
type Option func(*settings)

// OnRetry registers a hook called before each backoff sleep. attempt is the
// 1-based number of the attempt that just failed.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(s *settings) { s.onRetry = fn }
}

func withTimer(t backoff.Timer) Option {
	return func(s *settings) { s.timer = t }
}

// Do runs op under the policy and returns its value.
//
// A non-transient error is returned unchanged after exactly one call of op
// that produced it. When every attempt fails transiently, Do returns a
// *failure.ExhaustedError whose Attempts equals p.MaxAttempts. Cancelling ctx
// during a backoff sleep returns a *failure.FatalWorkerError wrapping the
// context error.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}

	attempts := 0
	var lastErr error
	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !failure.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, d time.Duration) {
		if s.onRetry != nil {
			s.onRetry(attempts, d, err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)
	v, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, s.timer)
	if err == nil {
		return v, nil
	}

	switch {
	case lastErr != nil && !failure.IsTransient(lastErr):
		return zero, lastErr
	case ctx.Err() != nil:
		return zero, &failure.FatalWorkerError{
			Detail: fmt.Sprintf("aborted after %d attempts", attempts),
			Err:    ctx.Err(),
		}
	case lastErr != nil:
		return zero, &failure.ExhaustedError{Attempts: attempts, Last: lastErr}
	}
	return zero, err
}
