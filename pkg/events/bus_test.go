package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects values appended by handlers under its own lock
type recorder struct {
	mu     sync.Mutex
	values []int
}

func (r *recorder) add(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.values))
	copy(out, r.values)
	return out
}

func TestPublish_TwoHandlersOneEvent(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}

	h1 := NewHandlerFunc("h1", func(ctx context.Context, e *Event) error {
		rec.add(e.Data["value"].(int))
		return nil
	})
	h2 := NewHandlerFunc("h2", func(ctx context.Context, e *Event) error {
		rec.add(e.Data["value"].(int) * 2)
		return nil
	})

	require.NoError(t, bus.Subscribe("order_status_changed", h1))
	require.NoError(t, bus.Subscribe("order_status_changed", h2))

	event := MustNew(TypeOrderStatusChanged, map[string]any{"value": 5})
	require.NoError(t, bus.Publish(context.Background(), event))

	assert.ElementsMatch(t, []int{5, 10}, rec.snapshot())
}

func TestPublish_FailureIsolation(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}

	failing := NewHandlerFunc("failing", func(ctx context.Context, e *Event) error {
		return errors.New("boom")
	})
	succeeding := NewHandlerFunc("succeeding", func(ctx context.Context, e *Event) error {
		rec.add(1)
		return nil
	})

	require.NoError(t, bus.Subscribe("order_status_changed", failing))
	require.NoError(t, bus.Subscribe("order_status_changed", succeeding))

	err := bus.Publish(context.Background(), MustNew(TypeOrderStatusChanged, nil))
	require.Error(t, err)

	var composite *HandlerExecutionError
	require.ErrorAs(t, err, &composite)
	assert.Len(t, composite.Failures(), 1)
	assert.Equal(t, "failing", composite.Failures()[0].Handler.Name())

	// The succeeding handler was not skipped
	assert.Equal(t, []int{1}, rec.snapshot())
}

func TestPublish_AllFailuresCollected(t *testing.T) {
	bus := NewBus()

	const total = 5
	const failing = 3
	for i := 0; i < total; i++ {
		i := i
		h := NewHandlerFunc(fmt.Sprintf("h%d", i), func(ctx context.Context, e *Event) error {
			if i < failing {
				return fmt.Errorf("failure %d", i)
			}
			return nil
		})
		require.NoError(t, bus.Subscribe("customer_updated", h))
	}

	err := bus.Publish(context.Background(), MustNew(TypeCustomerUpdated, nil))
	var composite *HandlerExecutionError
	require.ErrorAs(t, err, &composite)
	assert.Len(t, composite.Failures(), failing)
}

func TestPublish_NestedCompositeFlattened(t *testing.T) {
	bus := NewBus()

	inner := HandlerFailure{
		Handler: NewHandlerFunc("inner", func(ctx context.Context, e *Event) error { return nil }),
		Event:   MustNew(TypeOrderStatusChanged, nil),
		Err:     errors.New("inner failure"),
	}
	outer := NewHandlerFunc("outer", func(ctx context.Context, e *Event) error {
		return NewHandlerExecutionError([]HandlerFailure{inner})
	})

	require.NoError(t, bus.Subscribe("order_status_changed", outer))

	err := bus.Publish(context.Background(), MustNew(TypeOrderStatusChanged, nil))
	var composite *HandlerExecutionError
	require.ErrorAs(t, err, &composite)
	require.Len(t, composite.Failures(), 1)
	assert.Equal(t, "inner", composite.Failures()[0].Handler.Name())
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	err := bus.Publish(context.Background(), MustNew(TypeStockDecremented, nil))
	assert.NoError(t, err)
}

func TestPublish_PanicConvertedToFailure(t *testing.T) {
	bus := NewBus()

	panicking := NewHandlerFunc("panicking", func(ctx context.Context, e *Event) error {
		panic("unexpected")
	})
	require.NoError(t, bus.Subscribe("order_status_changed", panicking))

	err := bus.Publish(context.Background(), MustNew(TypeOrderStatusChanged, nil))
	var composite *HandlerExecutionError
	require.ErrorAs(t, err, &composite)
	assert.Len(t, composite.Failures(), 1)
}

func TestSubscribe_NilHandlerRejected(t *testing.T) {
	bus := NewBus()
	err := bus.Subscribe("order_status_changed", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestSubscribe_DuplicateIsNoop(t *testing.T) {
	bus := NewBus()
	h := NewHandlerFunc("h", func(ctx context.Context, e *Event) error { return nil })

	require.NoError(t, bus.Subscribe("order_status_changed", h))
	require.NoError(t, bus.Subscribe("order_status_changed", h))

	assert.Equal(t, 1, bus.SubscriberCount("order_status_changed"))
}

func TestUnsubscribe_NeverSubscribedIsNoop(t *testing.T) {
	bus := NewBus()
	h := NewHandlerFunc("h", func(ctx context.Context, e *Event) error { return nil })

	bus.Unsubscribe("order_status_changed", h)
	assert.Equal(t, 0, bus.SubscriberCount("order_status_changed"))
}

func TestUnsubscribe_RemovesHandler(t *testing.T) {
	bus := NewBus()
	var calls atomic.Int32
	h := NewHandlerFunc("h", func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, bus.Subscribe("order_status_changed", h))
	bus.Unsubscribe("order_status_changed", h)

	require.NoError(t, bus.Publish(context.Background(), MustNew(TypeOrderStatusChanged, nil)))
	assert.Equal(t, int32(0), calls.Load())
}

func TestPublish_ConcurrencyBound(t *testing.T) {
	bus := NewBus(WithMaxConcurrentHandlers(2))

	var inFlight atomic.Int32
	var peak atomic.Int32

	for i := 0; i < 8; i++ {
		h := NewHandlerFunc(fmt.Sprintf("h%d", i), func(ctx context.Context, e *Event) error {
			current := inFlight.Add(1)
			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
		require.NoError(t, bus.Subscribe("order_status_changed", h))
	}

	require.NoError(t, bus.Publish(context.Background(), MustNew(TypeOrderStatusChanged, nil)))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPublish_HandlerMaySubscribeDuringDispatch(t *testing.T) {
	bus := NewBus()

	late := NewHandlerFunc("late", func(ctx context.Context, e *Event) error { return nil })
	h := NewHandlerFunc("h", func(ctx context.Context, e *Event) error {
		return bus.Subscribe("customer_updated", late)
	})
	require.NoError(t, bus.Subscribe("order_status_changed", h))

	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(context.Background(), MustNew(TypeOrderStatusChanged, nil))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish deadlocked while handler subscribed")
	}

	assert.Equal(t, 1, bus.SubscriberCount("customer_updated"))
}
