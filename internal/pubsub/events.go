// Package pubsub provides a generic publish/subscribe broker used for the
// supervisor message bus and for log fan-out.
package pubsub

import (
	"context"
	"time"
)

// EventType tags a published event.
type EventType string

const (
	// MessageEvent carries a worker message on the supervisor bus.
	MessageEvent EventType = "process:msg"
	// ExitEvent reports that a supervised process exited.
	ExitEvent EventType = "process:exit"
	// LogEvent carries a formatted log entry.
	LogEvent EventType = "log"
)

// Event is a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher publishes events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T) int
}
