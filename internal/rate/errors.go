package rate

import "errors"

var (
	// ErrRateLimited means the attempt budget for the current window is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrBackendUnavailable wraps counter backend failures. Callers decide
	// whether to fail open or closed.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
)
