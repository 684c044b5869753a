package ftcache

import (
	"errors"

	"github.com/resilientkv/resilience/ftcache/internal/refresh"
)

// ErrNoLoader is returned by New when Options.Loader is nil; a loader is
// the one required collaborator.
var ErrNoLoader = errors.New("ftcache: Options.Loader is required")

// FailureRateLimitError is returned by Get's mandatory-load path instead of
// invoking the loader, when Options.FailureRateLimit is configured and its
// bucket's available capacity has dropped below 1. It is the same type
// internal/refresh raises; aliased here so callers never need to import an
// internal package to check for it with errors.As.
type FailureRateLimitError = refresh.FailureRateLimitError

// Loader and Reloader errors are not wrapped: Get returns exactly the error
// value the collaborator produced, so a caller's existing
// errors.Is/As checks against sentinel errors from their own backend keep
// working unchanged.
