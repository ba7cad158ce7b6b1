package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("feed.", 10)
	defer unsub()

	b.Publish(Event{Kind: "feed.status_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "feed.status_changed" {
			t.Errorf("got kind %q, want feed.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	b.Publish(Event{Kind: "feed.status_changed"})
	b.Publish(Event{Kind: "queue.storage_warning"})

	select {
	case evt := <-ch:
		if evt.Kind != "queue.storage_warning" {
			t.Errorf("got kind %q, want queue.storage_warning", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the feed event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("feed.", 10)
	unsub()

	b.Publish(Event{Kind: "feed.status_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("feed.", 1)
	_, keep := b.Subscribe("queue.", 1)
	defer keep()

	unsub()
	unsub()
	if got := b.Subscribers(); got != 1 {
		t.Errorf("Subscribers() = %d, want 1", got)
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: "feed.status_changed"})
}

func TestEventNamespace(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"threads.snapshot", "threads."},
		{"queue.storage_warning", "queue."},
		{"bare", ""},
	}
	for _, tt := range tests {
		if got := (Event{Kind: tt.kind}).Namespace(); got != tt.want {
			t.Errorf("Namespace(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestValidNamespace(t *testing.T) {
	tests := []struct {
		filter string
		want   bool
	}{
		{"", true},
		{"feed.", true},
		{"threads.snapshot", true},
		{"thr", true},
		{"wa.", false},
		{"queued", false},
	}
	for _, tt := range tests {
		if got := ValidNamespace(tt.filter); got != tt.want {
			t.Errorf("ValidNamespace(%q) = %v, want %v", tt.filter, got, tt.want)
		}
	}
}
