package core

import "errors"

var (
	// ErrProtocol marks a malformed heartbeat payload. The worker must resend.
	ErrProtocol = errors.New("protocol error")

	ErrUnknownWorker  = errors.New("unknown worker")
	ErrUnknownJob     = errors.New("unknown job")
	ErrUnknownAttempt = errors.New("unknown attempt")

	// ErrInvalidSpec is returned when a job submission cannot be decomposed into tasks.
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrCapacityExceeded is an internal assertion: an assignment would overflow a
	// worker's slots. It is logged and never surfaced to RPC callers.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	ErrIllegalTransition = errors.New("illegal state transition")
)
