/*
retry.go - Backoff policy for the retryable error kinds

PURPOSE:
  Concurrency and transient errors (LockNotAcquired, Database, Unknown) are
  safe to retry with exponential backoff; validation errors and
  ConflictMismatch are caller bugs and must surface immediately. This file
  centralizes that policy so callers do not hand-roll sleep loops.

SAFETY:
  Retries are safe BY CONSTRUCTION, not by luck: the operation being
  retried must reuse the identical idempotency key, so a retry of an
  already-applied credit lands on the idempotent-return path.

SEE ALSO:
  - errors.go: Retryable() is a pure function of Kind
*/
package xp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// RetryBaseDelay is the initial backoff interval.
	RetryBaseDelay = 100 * time.Millisecond

	// RetryMaxAttempts caps the total number of tries.
	RetryMaxAttempts = 3
)

// Retry runs op with exponential backoff, retrying only errors whose kind
// is retryable. The last error is returned after the attempt cap.
func Retry[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryBaseDelay

	wrapped := func() (T, error) {
		v, err := op(ctx)
		if err != nil && !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.RetryWithData(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, RetryMaxAttempts-1), ctx))
}

// RetryCredit retries a credit with the same request (and therefore the
// same idempotency key) across attempts.
func RetryCredit(ctx context.Context, svc *CreditService, req CreditRequest) (*CreditResult, error) {
	return Retry(ctx, func(ctx context.Context) (*CreditResult, error) {
		return svc.CreditXP(ctx, req)
	})
}
