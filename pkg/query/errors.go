package query

import (
	"errors"
	"fmt"
)

var (
	// ErrDisabled is returned by Handle.Wait for a disabled query.
	ErrDisabled = errors.New("query is disabled")

	// ErrHandleClosed is returned by Handle.Wait after Handle.Close.
	ErrHandleClosed = errors.New("query handle closed")
)

// FetchError is the error of a failed fetch. Every caller attached to the
// fetch receives the same *FetchError.
type FetchError struct {
	Namespace string
	Key       string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s/%s: %v", e.Namespace, e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
