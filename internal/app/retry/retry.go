// Package retry applies exponential backoff with jitter to side-effect free operations.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds retries of idempotent queries. It is never applied to order submission.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0,1].
	Jitter float64
}

// DefaultPolicy mirrors the scheduler backoff: 2s doubling, capped at one minute.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Jitter: 0.2}
}

func (p Policy) normalised() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// NewBackOff returns an exponential schedule for hand-driven loops.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.normalised()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.Reset()
	return b
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx ends. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalised()
	result, err := backoff.Retry(ctx, func() (T, error) {
		return op(ctx)
	},
		backoff.WithBackOff(p.NewBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return result, err
}
