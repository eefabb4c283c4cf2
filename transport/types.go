package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Emit once a channel has been closed.
var ErrClosed = errors.New("transport channel closed")

// Handler processes the payload of one inbound event.
//
// Handlers run on the channel's dispatch goroutine, one at a time and in
// arrival order, so they must not block for long.
type Handler func(data json.RawMessage)

// Channel defines the shared, ordered, event-named connection used by every
// subsystem of the client. Chat, presence, transfers and calls all ride on
// the same Channel, so consumers must correlate inbound events by an id in
// the payload rather than by event name alone.
type Channel interface {
	// Emit sends one named event. The payload is encoded as JSON.
	Emit(ctx context.Context, event string, payload any) error

	// Subscribe registers a handler for one event name. The returned
	// Subscription must be released when the consumer is torn down.
	Subscribe(event string, handler Handler) Subscription

	// Close shuts down the channel.
	Close() error
}

// Subscription is a registered interest in one event name.
type Subscription interface {
	// Unsubscribe removes the handler. Calling it more than once is a no-op.
	Unsubscribe()
}

// Subscriptions collects the handlers one component registers so they can
// be released together on teardown.
type Subscriptions []Subscription

// Add records a subscription.
func (s *Subscriptions) Add(sub Subscription) {
	*s = append(*s, sub)
}

// UnsubscribeAll releases every recorded subscription.
func (s *Subscriptions) UnsubscribeAll() {
	for _, sub := range *s {
		sub.Unsubscribe()
	}
	*s = nil
}
