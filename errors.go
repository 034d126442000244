package marketcache

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrFetchFailed indicates the upstream fetch failed and no cached copy
	// of any age was available. Match it with errors.Is.
	ErrFetchFailed = errors.New("marketcache: fetch failed")

	// ErrClosed indicates the cache has been closed.
	ErrClosed = errors.New("marketcache: cache closed")

	// ErrInvalidPattern indicates a malformed invalidation pattern.
	ErrInvalidPattern = errors.New("marketcache: invalid pattern")
)

// FetchError reports a failed upstream fetch for Key with nothing to fall
// back on.
type FetchError struct {
	Key   string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("marketcache: fetching %s: %v", e.Key, e.Cause)
}

// Is makes errors.Is(err, ErrFetchFailed) true for every FetchError.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// Unwrap returns the upstream cause.
func (e *FetchError) Unwrap() error {
	return e.Cause
}
