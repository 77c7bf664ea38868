package broker

import "errors"

// Error kinds surfaced by the broker core. Components wrap these with
// operation context; callers branch with errors.Is.
var (
	// ErrInvalidTopicFilter covers '#' at a non-final level, a wildcard
	// inside a level, NUL bytes, and invalid UTF-8.
	ErrInvalidTopicFilter = errors.New("invalid topic filter")

	// ErrBackpressureExceeded means an internal bounded queue is full. The
	// caller must pause the producing reader until the queue drains.
	ErrBackpressureExceeded = errors.New("backpressure exceeded")

	// ErrStoreUnavailable means a persistent store is unreachable. Writers
	// keep data in memory and retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotAuthorized fails the single frame; the client stays connected.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrClientGone means the subscriber's socket closed mid-send. The
	// queued link stays put and is reset on the next reconnect.
	ErrClientGone = errors.New("client gone")

	// ErrDuplicateUUID marks a re-enqueue of an already stored message
	// uuid. Stores treat it as a no-op.
	ErrDuplicateUUID = errors.New("duplicate message uuid")

	// ErrLockAcquisitionFailed means another node holds the named lock.
	ErrLockAcquisitionFailed = errors.New("lock acquisition failed")

	// ErrServiceUnavailable rejects CONNECTs while startup rebuilds run.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrNotSupported marks store operations a backend cannot serve.
	ErrNotSupported = errors.New("operation not supported")
)
