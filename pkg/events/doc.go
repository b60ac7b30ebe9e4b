/*
Package events provides the event value type and the in-memory event bus
at the core of Courier's dispatch pipeline.

# Architecture

Courier routes asynchronous domain events (order status changes, document
lifecycle, customer mutations, stock decrements) from emitting services to
a dynamic set of handlers:

	┌─────────────────── EVENT DISPATCH ───────────────────┐
	│                                                       │
	│  Service method completes                             │
	│       │                                               │
	│       ▼                                               │
	│  Event (type, data, metadata, timestamp)              │
	│       │                                               │
	│       ▼                                               │
	│  Bus.Publish                                          │
	│    - snapshot subscribers for the event type          │
	│    - one goroutine per handler                        │
	│    - optional semaphore bound on concurrency          │
	│    - wait for all, aggregate failures                 │
	│       │                                               │
	│       ▼                                               │
	│  Handlers (wired by the plugin manager)               │
	└───────────────────────────────────────────────────────┘

# Events

Events are immutable values. New fills in a UUID, a UTC timestamp with
microsecond precision that is strictly monotonic with construction order,
and an idempotency key ("<type>:<unix_micro>") when the caller did not
supply one. WithMetadata derives a copy with merged metadata.

Event types form a closed enumeration (KnownTypes), but the bus accepts
unknown type strings: they are published normally and simply find no
handlers unless something subscribed to them.

# Dispatch semantics

All handlers for an event run concurrently; Publish waits for every one
of them before returning. A failing handler never prevents the others
from completing. Failures are logged and aggregated into a single
*HandlerExecutionError; a handler that itself returns a composite error
has its inner failures flattened into the outer list. Publishing to a
type with zero subscribers is a successful no-op.

The subscriber snapshot is taken atomically, so a subscribe or
unsubscribe racing with a publish either fully participates in that
publication or fully misses it. Handlers may mutate subscriptions from
within their own execution without deadlock.

# Usage

	bus := events.NewBus(events.WithMaxConcurrentHandlers(8))

	handler := events.NewHandlerFunc("audit", func(ctx context.Context, e *events.Event) error {
		return auditLog.Record(ctx, e)
	})
	if err := bus.Subscribe(string(events.TypeOrderStatusChanged), handler); err != nil {
		return err
	}

	event := events.MustNew(events.TypeOrderStatusChanged, map[string]any{
		"order_id":     42,
		"new_state_id": 2,
	})
	if err := bus.Publish(ctx, event); err != nil {
		var composite *events.HandlerExecutionError
		if errors.As(err, &composite) {
			// inspect composite.Failures()
		}
	}

# Integration Points

  - pkg/manager subscribes one routing callback per event type
  - pkg/emit constructs events from completed service calls
  - pkg/runtime exposes the process-wide bus used by emitters
*/
package events
