package broker

import "errors"

var (
	// ErrPublisherUnavailable is returned when no broker connection is available
	// or a publish could not be handed to the broker.
	ErrPublisherUnavailable = errors.New("publisher unavailable")

	// ErrMalformedDelivery is returned when a delivery body is not a valid task message.
	ErrMalformedDelivery = errors.New("malformed delivery")

	// ErrQueueClosed is returned by an in-memory queue after Close.
	ErrQueueClosed = errors.New("queue is closed")
)
