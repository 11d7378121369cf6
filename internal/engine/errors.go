package engine

import "errors"

var (
	// ErrInvalidInput is returned for an absent or malformed submission.
	ErrInvalidInput = errors.New("engine: invalid input")
	// ErrResourceExhausted is returned when an ingress queue is full at submission time.
	// Callers may retry with their own backoff.
	ErrResourceExhausted = errors.New("engine: ingress queue full")
	// ErrSubscriberGone marks a send to a closed outbound queue. It never leaves the engine.
	ErrSubscriberGone = errors.New("engine: subscriber gone")
	// ErrShutdown is returned by the forwarder once both ingress queues are permanently closed.
	ErrShutdown = errors.New("engine: all ingress queues closed")
	// ErrClosed is returned when producing through a released handle or a closed queue.
	ErrClosed = errors.New("engine: closed")

	errQueueFull = errors.New("engine: outbound queue full")
)
