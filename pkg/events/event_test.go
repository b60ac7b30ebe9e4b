package events

import (
	"strings"
	"testing"
)

func TestNewEvent_IdempotencyKey(t *testing.T) {
	event, err := New("order_status_changed", map[string]any{"order_id": 7}, nil)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	key := event.IdempotencyKey()
	if key == "" {
		t.Fatal("idempotency key is empty after construction")
	}
	if !strings.HasPrefix(key, "order_status_changed:") {
		t.Errorf("idempotency key %q does not start with event type", key)
	}
}

func TestNewEvent_SuppliedIdempotencyKeyKept(t *testing.T) {
	event, err := New("order_status_changed", nil, map[string]string{
		MetadataIdempotencyKey: "custom-key",
	})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	if event.IdempotencyKey() != "custom-key" {
		t.Errorf("idempotency key = %q, want custom-key", event.IdempotencyKey())
	}
}

func TestNewEvent_EmptyTypeRejected(t *testing.T) {
	if _, err := New("", nil, nil); err == nil {
		t.Fatal("New() with empty type should fail")
	}
}

func TestNewEvent_UnknownTypeAccepted(t *testing.T) {
	event, err := New("totally_unknown", nil, nil)
	if err != nil {
		t.Fatalf("New() with unknown type returned error: %v", err)
	}
	if Type(event.Type).Known() {
		t.Error("unknown type reported as known")
	}
}

func TestNewEvent_TimestampsMonotonic(t *testing.T) {
	var prev *Event
	for i := 0; i < 100; i++ {
		event, err := New("order_status_changed", nil, nil)
		if err != nil {
			t.Fatalf("New() returned error: %v", err)
		}
		if prev != nil && !event.Timestamp.After(prev.Timestamp) {
			t.Fatalf("timestamp %v not after previous %v", event.Timestamp, prev.Timestamp)
		}
		prev = event
	}
}

func TestNewEvent_CopiesInputMaps(t *testing.T) {
	data := map[string]any{"order_id": 1}
	meta := map[string]string{"source": "test"}

	event, err := New("order_status_changed", data, meta)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	data["order_id"] = 2
	meta["source"] = "mutated"

	if event.Data["order_id"] != 1 {
		t.Error("event data shares storage with caller map")
	}
	if event.Metadata["source"] != "test" {
		t.Error("event metadata shares storage with caller map")
	}
}

func TestWithMetadata(t *testing.T) {
	event := MustNew(TypeOrderStatusChanged, map[string]any{"order_id": 9})
	derived := event.WithMetadata(map[string]string{"source": "order_service"})

	if derived.Metadata["source"] != "order_service" {
		t.Errorf("derived metadata source = %q", derived.Metadata["source"])
	}
	if _, ok := event.Metadata["source"]; ok {
		t.Error("WithMetadata mutated the original event")
	}
	if derived.ID != event.ID || !derived.Timestamp.Equal(event.Timestamp) {
		t.Error("WithMetadata changed event identity or timestamp")
	}
	if derived.IdempotencyKey() != event.IdempotencyKey() {
		t.Error("WithMetadata changed the idempotency key")
	}
}

func TestKnownTypes(t *testing.T) {
	tests := []struct {
		value string
		known bool
	}{
		{"order_status_changed", true},
		{"document_generated", true},
		{"customer_updated", true},
		{"stock_decremented", true},
		{"order_status_change", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := Type(tt.value).Known(); got != tt.known {
			t.Errorf("Type(%q).Known() = %v, want %v", tt.value, got, tt.known)
		}
	}
}
