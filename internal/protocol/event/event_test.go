package event

import (
	"encoding/json"
	"testing"
)

func TestDispatcherRegistrationOrder(t *testing.T) {
	d := NewDispatcher()
	var order []int
	d.Subscribe(DeliveryFailed, func(Event) { order = append(order, 1) })
	d.Subscribe(DeliveryFailed, func(Event) { order = append(order, 2) })
	d.Subscribe(DeliverySucceeded, func(Event) { order = append(order, 99) })
	d.Subscribe(DeliveryFailed, func(Event) { order = append(order, 3) })

	d.Publish(Event{Kind: DeliveryFailed})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", order)
	}
}

func TestDispatcherStampsTime(t *testing.T) {
	d := NewDispatcher()
	var got Event
	d.Subscribe(ConfigChanged, func(e Event) { got = e })
	d.Publish(Event{Kind: ConfigChanged, Key: "propagation_node_active"})
	if got.At.IsZero() {
		t.Fatalf("expected event time to be set")
	}
}

func TestSubscribeDuringPublish(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.Subscribe(MessageReceived, func(Event) {
		calls++
		d.Subscribe(MessageReceived, func(Event) { calls += 10 })
	})
	d.Publish(Event{Kind: MessageReceived})
	if calls != 1 {
		t.Fatalf("expected late subscriber to miss the in-flight event, got %d", calls)
	}
	d.Publish(Event{Kind: MessageReceived})
	if calls != 12 {
		t.Fatalf("expected 12 calls, got %d", calls)
	}
}

func TestKindJSON(t *testing.T) {
	data, err := json.Marshal(Event{Kind: DeliverySucceeded})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Kind != DeliverySucceeded {
		t.Fatalf("expected %v, got %v", DeliverySucceeded, e.Kind)
	}
}
