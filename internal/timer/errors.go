package timer

import "errors"

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("timer service is closed")
	// ErrStartFailed is returned when the backend cannot allocate a timer
	// id. This signals resource exhaustion, not a per-key condition, and
	// callers should treat it as fatal.
	ErrStartFailed = errors.New("unable to start timer")
	// ErrNotTestMode is returned by SetTime on a service that was not
	// created with test mode enabled.
	ErrNotTestMode = errors.New("setTime called outside test mode")
	// ErrNotSupported is returned for operations the simple backend
	// cannot honor.
	ErrNotSupported = errors.New("operation not supported by this backend")
)
