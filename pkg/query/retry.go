package query

import (
	"context"

	"github.com/cenkalti/backoff/v5"
)

// Retry wraps f so that failed calls are retried with backoff. Errors
// wrapped by backoff.Permanent are not retried.
// The default is an exponential backoff for up to 15 minutes, use
// backoff.WithMaxElapsedTime or backoff.WithMaxTries to bound it.
func Retry[T any](f Fetcher[T], opts ...backoff.RetryOption) Fetcher[T] {
	return func(ctx context.Context) (T, error) {
		return backoff.Retry(ctx, func() (T, error) { return f(ctx) }, opts...)
	}
}
