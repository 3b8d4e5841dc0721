package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default backoff shape, overridable per policy.
const (
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 30 * time.Second
	DefaultRandomization = 0.5
)

// Policy describes how an operation is retried. The zero value is not
// usable; construct with explicit attempts and a classifier.
type Policy struct {
	// MaxAttempts bounds the total number of tries, first call included.
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Classify reports whether an error is transient. Errors it rejects
	// are never retried.
	Classify func(error) bool

	// Notify, if set, observes each retried error and the upcoming delay.
	Notify func(err error, delay time.Duration)
}

// Do runs op under the policy and returns its last result. The context
// is checked between attempts, so a cancelled caller stops the retry
// loop before the next try.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultBaseDelay
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = DefaultRandomization

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && p.Classify != nil && !p.Classify(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(p.Notify)))
	}

	return backoff.Retry(ctx, wrapped, opts...)
}

// DoVoid runs an operation with no result under the policy.
func DoVoid(ctx context.Context, p Policy, op func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
