package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/merchkit/courier/pkg/log"
	"github.com/merchkit/courier/pkg/metrics"
	"github.com/rs/zerolog"
)

// Bus is an in-memory publish/subscribe dispatcher. Subscriptions are
// keyed by event type; publication dispatches to every subscriber of the
// event's type concurrently and aggregates their failures.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	sem      chan struct{}
	logger   zerolog.Logger
}

// Option configures a Bus
type Option func(*Bus)

// WithMaxConcurrentHandlers bounds how many handlers may execute at the
// same time across all in-flight publications. Non-positive values leave
// concurrency unbounded.
func WithMaxConcurrentHandlers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.sem = make(chan struct{}, n)
		}
	}
}

// NewBus creates a new event bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		logger:   log.WithComponent("event_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given event type. Registration
// order is preserved. Subscribing the same handler twice for the same
// type is a no-op.
func (b *Bus) Subscribe(eventType string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.handlers[eventType] {
		if existing == handler {
			return nil
		}
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug().
		Str("event_type", eventType).
		Str("handler", handler.Name()).
		Msg("Handler subscribed")
	return nil
}

// Unsubscribe removes a handler for the given event type. Removing a
// handler that was never subscribed is a no-op.
func (b *Bus) Unsubscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	for i, existing := range handlers {
		if existing == handler {
			b.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			b.logger.Debug().
				Str("event_type", eventType).
				Str("handler", handler.Name()).
				Msg("Handler unsubscribed")
			break
		}
	}
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
}

// SubscriberCount returns the number of handlers registered for the type
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}

// Publish dispatches the event to every handler subscribed to its type.
// The subscriber set is snapshotted before dispatch, so handlers may
// subscribe or unsubscribe from within their own execution. Publish waits
// for every handler to complete; if any failed, it returns a single
// *HandlerExecutionError carrying all failures. With no subscribers it
// returns nil without doing anything.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	snapshot := make([]Handler, len(b.handlers[event.Type]))
	copy(snapshot, b.handlers[event.Type])
	b.mu.Unlock()

	metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()

	if len(snapshot) == 0 {
		b.logger.Debug().
			Str("event_type", event.Type).
			Msg("No handlers registered for event")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PublishDuration)

	return b.dispatch(ctx, event, snapshot)
}

func (b *Bus) dispatch(ctx context.Context, event *Event, handlers []Handler) error {
	results := make([]error, len(handlers))

	var wg sync.WaitGroup
	for i, handler := range handlers {
		wg.Add(1)
		go func(i int, handler Handler) {
			defer wg.Done()
			results[i] = b.runHandler(ctx, handler, event)
		}(i, handler)
	}
	wg.Wait()

	var failures []HandlerFailure
	for i, err := range results {
		if err == nil {
			continue
		}
		var composite *HandlerExecutionError
		if errors.As(err, &composite) {
			failures = append(failures, composite.Failures()...)
			continue
		}
		failures = append(failures, HandlerFailure{
			Handler: handlers[i],
			Event:   event,
			Err:     err,
		})
	}

	if len(failures) == 0 {
		return nil
	}

	for _, failure := range failures {
		metrics.HandlerFailuresTotal.WithLabelValues(event.Type).Inc()
		b.logger.Error().
			Err(failure.Err).
			Str("event_type", event.Type).
			Str("handler", failure.Handler.Name()).
			Str("idempotency_key", event.IdempotencyKey()).
			Msg("Handler execution failed")
	}

	return NewHandlerExecutionError(failures)
}

// runHandler executes one handler under the concurrency gate, converting
// panics into errors so a misbehaving handler cannot take down the bus.
func (b *Bus) runHandler(ctx context.Context, handler Handler, event *Event) (err error) {
	if b.sem != nil {
		select {
		case b.sem <- struct{}{}:
			defer func() { <-b.sem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics.HandlersDispatchedTotal.WithLabelValues(event.Type).Inc()
	metrics.HandlersInFlight.Inc()
	defer metrics.HandlersInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler.Handle(ctx, event)
}
