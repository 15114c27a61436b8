package events

import (
	"encoding/json"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe("test_event", handler)

	payload := map[string]string{"foo": "bar"}
	err := bus.PublishJSON("test_event", payload)
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != "test_event" {
		t.Errorf("expected type test_event, got %s", received.Type)
	}

	var decoded map[string]string
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %s", decoded["foo"])
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	err := bus.PublishJSON("unknown", nil)
	if err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	payload := QueueEventPayload{ItemID: "q-1", TargetID: "entry-9", Status: "pending"}
	event, err := NewJSONEvent(EventQueueChanged, payload)
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.Type != EventQueueChanged {
		t.Errorf("expected %s, got %s", EventQueueChanged, event.Type)
	}

	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded QueueEventPayload
	if err := event.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.TargetID != "entry-9" {
		t.Errorf("expected TargetID entry-9, got %s", decoded.TargetID)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	unsub1 := bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})
	unsub1()
	unsub1()
	bus.Publish(&Event{Type: "event"})

	if count1 != 1 {
		t.Errorf("expected unsubscribed handler to run once, got %d", count1)
	}
	if count2 != 2 {
		t.Errorf("expected remaining handler to run twice, got %d", count2)
	}
	if n := bus.Subscribers("event"); n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}
}

func TestEventBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewEventBus()
	var calls int
	var unsub Unsubscribe
	unsub = bus.Subscribe("event", func(_ *Event) error {
		calls++
		unsub()
		return nil
	})

	bus.Publish(&Event{Type: "event"})
	bus.Publish(&Event{Type: "event"})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if n := bus.Subscribers("event"); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}
