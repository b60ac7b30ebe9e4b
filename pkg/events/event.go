package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a kind of domain occurrence
type Type string

const (
	TypeOrderStatusChanged Type = "order_status_changed"
	TypeDocumentGenerated  Type = "document_generated"
	TypeCustomerUpdated    Type = "customer_updated"
	TypeStockDecremented   Type = "stock_decremented"
)

// KnownTypes returns all event types defined by the platform
func KnownTypes() []Type {
	return []Type{
		TypeOrderStatusChanged,
		TypeDocumentGenerated,
		TypeCustomerUpdated,
		TypeStockDecremented,
	}
}

// Known reports whether the type is part of the platform enumeration
func (t Type) Known() bool {
	for _, known := range KnownTypes() {
		if t == known {
			return true
		}
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// MetadataIdempotencyKey is the metadata key carrying the idempotency key
const MetadataIdempotencyKey = "idempotency_key"

// Event is an immutable value describing a single domain occurrence.
// Treat Data and Metadata as read-only after construction; use
// WithMetadata to derive a variant.
type Event struct {
	ID        string
	Type      string
	Data      map[string]any
	Metadata  map[string]string
	Timestamp time.Time
}

var (
	tsMu   sync.Mutex
	lastTS time.Time
)

// nextTimestamp returns a UTC timestamp with microsecond precision that is
// strictly greater than any timestamp previously handed out by this process.
func nextTimestamp() time.Time {
	tsMu.Lock()
	defer tsMu.Unlock()

	ts := time.Now().UTC().Truncate(time.Microsecond)
	if !ts.After(lastTS) {
		ts = lastTS.Add(time.Microsecond)
	}
	lastTS = ts
	return ts
}

// New constructs an event of the given type. Data and metadata are copied.
// The metadata always carries an idempotency key: a supplied one is kept,
// otherwise a deterministic key derived from type and timestamp is filled in.
func New(eventType string, data map[string]any, metadata map[string]string) (*Event, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type must not be empty")
	}

	ts := nextTimestamp()

	dataCopy := make(map[string]any, len(data))
	for k, v := range data {
		dataCopy[k] = v
	}

	metaCopy := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		metaCopy[k] = v
	}
	if metaCopy[MetadataIdempotencyKey] == "" {
		metaCopy[MetadataIdempotencyKey] = fmt.Sprintf("%s:%d", eventType, ts.UnixMicro())
	}

	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      dataCopy,
		Metadata:  metaCopy,
		Timestamp: ts,
	}, nil
}

// MustNew is New for event types known to be valid; it panics otherwise.
// Intended for tests and static call sites with constant types.
func MustNew(eventType Type, data map[string]any) *Event {
	event, err := New(string(eventType), data, nil)
	if err != nil {
		panic(err)
	}
	return event
}

// IdempotencyKey returns the idempotency key from the event metadata
func (e *Event) IdempotencyKey() string {
	return e.Metadata[MetadataIdempotencyKey]
}

// WithMetadata returns a copy of the event with the given metadata entries
// merged over the existing ones. The receiver is left untouched.
func (e *Event) WithMetadata(updates map[string]string) *Event {
	metaCopy := make(map[string]string, len(e.Metadata)+len(updates))
	for k, v := range e.Metadata {
		metaCopy[k] = v
	}
	for k, v := range updates {
		metaCopy[k] = v
	}

	return &Event{
		ID:        e.ID,
		Type:      e.Type,
		Data:      e.Data,
		Metadata:  metaCopy,
		Timestamp: e.Timestamp,
	}
}
