// Package broker defines the consumer contract the router drives and the
// registry broker adapters register themselves with. Each adapter
// (sqs, nats, activemq, embedded) lives in its own sub-package and
// registers a builder on import.
package broker

import (
	"context"

	"github.com/flowmill/flowmill/internal/router/message"
)

// Sink receives what a consumer polls. The queue manager implements it.
type Sink interface {
	// HandleMessage takes ownership of one decoded message. The sink is
	// responsible for eventually acking or nacking it.
	HandleMessage(msg *message.Pointer)
	// PollCompleted fires after every poll cycle, including empty ones.
	// Consumers must call it so poll health can be tracked.
	PollCompleted(queue string)
	// DecodeFailed records a delivery that could not be parsed. The
	// consumer settles the poison delivery itself.
	DecodeFailed(queue string)
}

// Consumer is a broker-specific polling adapter bound to one queue.
type Consumer interface {
	// Start begins polling and forwarding to sink. Non-blocking; the
	// consumer owns its polling goroutine until Stop or ctx cancel.
	Start(ctx context.Context, sink Sink) error
	// Stop halts polling. Messages already handed to the sink keep
	// their acknowledgement hooks working until settled.
	Stop() error
	// Ping probes broker connectivity.
	Ping(ctx context.Context) error
	// QueueIdentifier names the queue this consumer polls.
	QueueIdentifier() string
}

// Capabilities describes what a broker adapter can do. The router
// degrades gracefully around missing capabilities.
type Capabilities struct {
	Name string `json:"name"`
	// DelayedNack: redelivery delay can be chosen per nack.
	DelayedNack bool `json:"delayedNack"`
	// LeaseExtension: an in-progress message's lease can be extended.
	LeaseExtension bool `json:"leaseExtension"`
	// AlwaysConnected: connectivity cannot fail (local store).
	AlwaysConnected bool `json:"alwaysConnected"`
}
