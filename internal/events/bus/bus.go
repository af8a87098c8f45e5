// Package bus provides the in-process broadcast channel for runner events.
package bus

import (
	"context"

	"github.com/foremanhq/foreman/internal/events"
)

// Handler processes one event. Handlers run on the subscription's own
// goroutine and must not block for long; slow subscribers lose events.
type Handler func(ctx context.Context, event events.TaskEvent)

// Subscription is a handle to an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription and stops its delivery goroutine.
	Unsubscribe() error
	// IsValid returns whether the subscription is still active.
	IsValid() bool
}

// Bus is the event broadcast interface. Publish never blocks on slow
// subscribers; delivery is in emission order per subscriber.
type Bus interface {
	Publish(ctx context.Context, event events.TaskEvent) error
	Subscribe(handler Handler) (Subscription, error)
	Close()
}
