package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscription binds a handler to the event types it wants. A nil types
// set means all events.
type subscription struct {
	id      string
	types   map[EventType]struct{}
	handler Handler
}

func (s *subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// ChannelBus is a Bus implementation using a buffered channel drained by a
// small worker pool.
type ChannelBus struct {
	subs   map[string]*subscription
	events chan queuedEvent
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
	mu     sync.RWMutex

	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// ChannelBusOption configures the channel bus.
type ChannelBusOption func(*ChannelBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) ChannelBusOption {
	return func(b *ChannelBus) {
		b.bufferSize = size
	}
}

// WithWorkerCount sets the number of delivery workers.
func WithWorkerCount(count int) ChannelBusOption {
	return func(b *ChannelBus) {
		b.workerCount = count
	}
}

// WithHandlerRetries configures retry behavior for failing handlers.
func WithHandlerRetries(maxRetries int, interval time.Duration) ChannelBusOption {
	return func(b *ChannelBus) {
		b.maxRetries = maxRetries
		b.retryInterval = interval
	}
}

// NewChannelBus creates and starts a channel-based bus.
func NewChannelBus(options ...ChannelBusOption) *ChannelBus {
	b := &ChannelBus{
		subs: make(map[string]*subscription),
		done: make(chan struct{}),

		bufferSize:    100,
		workerCount:   4,
		maxRetries:    3,
		retryInterval: 100 * time.Millisecond,
	}
	for _, option := range options {
		option(b)
	}

	b.events = make(chan queuedEvent, b.bufferSize)
	for i := 0; i < b.workerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *ChannelBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case qe := <-b.events:
			b.dispatch(qe)
		}
	}
}

// dispatch delivers one event to every matching subscription. Handlers run
// against a snapshot of the subscription map so they may subscribe or
// unsubscribe without deadlocking.
func (b *ChannelBus) dispatch(qe queuedEvent) {
	if qe.ctx.Err() != nil {
		return
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(qe.event.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(qe.ctx, qe.event, sub.handler)
	}
}

// deliver runs a handler with bounded retries.
func (b *ChannelBus) deliver(ctx context.Context, event Event, handler Handler) {
	var err error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err = handler(ctx, event); err == nil {
			return
		}
		if attempt == b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.retryInterval):
		}
	}
	log.Printf("Event handler failed after retries (event_type: %s, retries: %d): %v",
		event.Type, b.maxRetries, err)
}

// Publish queues an event for delivery, respecting ctx while the buffer
// is full.
func (b *ChannelBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return fmt.Errorf("event bus is closed")
	case b.events <- queuedEvent{ctx: ctx, event: event}:
		return nil
	}
}

// Subscribe registers a handler for the given event types.
func (b *ChannelBus) Subscribe(eventTypes []EventType, handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	types := make(map[EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	return b.addSubscription(&subscription{types: types, handler: handler})
}

// SubscribeAll registers a handler for every event type.
func (b *ChannelBus) SubscribeAll(handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	return b.addSubscription(&subscription{handler: handler})
}

func (b *ChannelBus) addSubscription(sub *subscription) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("event bus is closed")
	}
	sub.id = uuid.New().String()
	b.subs[sub.id] = sub
	return sub.id, nil
}

// Unsubscribe removes a subscription by id.
func (b *ChannelBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	delete(b.subs, subscriptionID)
	return nil
}

// Close shuts down the bus and waits for the workers to drain.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}
