// Package retry runs an operation under a bounded exponential backoff. Errors wrapped with
// Permanent stop the loop on the first occurrence.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Once is the policy for operations that must not be retried.
var Once = Policy{MaxAttempts: 1}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds, returns a permanent error, exhausts MaxAttempts or ctx is
// done. notify, when non-nil, is told about every failure that will be retried.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify func(attempt int, err error, wait time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(operation, b, onRetry)
}
