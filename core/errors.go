package core

// Error kinds crossing component boundaries. Callers classify with
// errors.Is; wrapping keeps the original cause available.

import (
	"errors"
)

var (
	// ErrNetworkUnreachable – no link and no route towards the destination.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrAuthFailed – handshake or signature rejected. Never retried on the
	// same link.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrProtocol – malformed frame, invalid combination or oversize payload.
	ErrProtocol = errors.New("protocol violation")

	// ErrTimeout – deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable – the resource exists but is not present yet; waitable.
	ErrUnavailable = errors.New("unavailable")

	// ErrNotFound – permanently absent; terminal for the operation.
	ErrNotFound = errors.New("not found")

	// ErrCancelled – the caller revoked interest.
	ErrCancelled = errors.New("cancelled")

	// ErrWouldBlock – a bounded send queue is full; the caller decides
	// whether to drop or retry.
	ErrWouldBlock = errors.New("would block")

	// ErrClosed – the object was shut down.
	ErrClosed = errors.New("closed")
)

// IsRetryable reports whether upper layers should retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, ErrTimeout)
}

// IsFatalForLink reports whether the error must penalize the link it
// arrived on instead of being retried there.
func IsFatalForLink(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrProtocol)
}
