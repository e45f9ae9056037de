package messaging

import "errors"

var (
	// ErrBrokerUnavailable is returned by Connect once the initial retry
	// budget is spent.
	ErrBrokerUnavailable = errors.New("messaging: broker unavailable")

	// ErrNotConnected is returned by Publish when there is no live link.
	// Nothing is buffered; the caller decides whether to retry.
	ErrNotConnected = errors.New("messaging: not connected")

	// ErrHandler wraps a failed or panicking subscription handler. The
	// delivery is nacked with requeue.
	ErrHandler = errors.New("messaging: handler failed")

	ErrClosed = errors.New("messaging: event bus closed")
)
