package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
)

// subscriberBuffer is the per-subscriber queue depth. When a subscriber
// falls this far behind, further events are dropped for it rather than
// blocking the emitter.
const subscriberBuffer = 256

// MemoryBus implements Bus with one buffered channel and one delivery
// goroutine per subscriber, so each subscriber observes events in
// emission order while publishers never block.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	ch      chan events.TaskEvent
	done    chan struct{}
	handler Handler

	mu     sync.Mutex
	active bool
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	close(s.done)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// deliverLoop drains the subscription channel on a single goroutine,
// preserving emission order for this subscriber.
func (s *memorySubscription) deliverLoop() {
	for {
		select {
		case event := <-s.ch:
			s.handler(context.Background(), event)
		case <-s.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case event := <-s.ch:
					s.handler(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish sends an event to all subscribers. Subscribers whose buffers
// are full miss the event.
func (b *MemoryBus) Publish(_ context.Context, event events.TaskEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				zap.String("event", string(event.Name)),
				zap.String("task_id", event.Task.ID))
		}
	}

	b.logger.Debug("published event",
		zap.String("event", string(event.Name)),
		zap.String("event_id", event.ID),
		zap.String("task_id", event.Task.ID))

	return nil
}

// Subscribe registers a handler for all events.
func (b *MemoryBus) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		ch:      make(chan events.TaskEvent, subscriberBuffer),
		done:    make(chan struct{}),
		handler: handler,
		active:  true,
	}
	b.subscriptions = append(b.subscriptions, sub)
	go sub.deliverLoop()

	return sub, nil
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.active = false
		sub.mu.Unlock()
		if active {
			close(sub.done)
		}
	}

	b.logger.Info("memory event bus closed")
}
