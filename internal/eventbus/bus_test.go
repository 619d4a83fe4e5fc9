package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/shaded/internal/protocol"
)

func TestPublisherDeliversInOrder(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	var got []protocol.Outbound
	done := make(chan struct{})
	bus.Subscribe(EventTypeOutbound, func(e Event) {
		msg, ok := Outbound(e)
		if !ok {
			t.Errorf("Outbound(%+v) not ok", e)
			return
		}
		mu.Lock()
		got = append(got, msg)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})

	pub := NewPublisher(bus)
	for i := 0; i < 50; i++ {
		pub.Publish(protocol.Outbound{ClientID: "c", Payload: i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, msg := range got {
		if msg.Payload != i || msg.ClientID != "c" {
			t.Fatalf("got[%d] = %+v", i, msg)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Close(ctx)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	bus := NewWithConfig(1, 4)
	delivered := make(chan struct{})
	bus.Subscribe(EventTypeOutbound, func(e Event) {
		if e.Data["panic"] == true {
			panic("boom")
		}
		close(delivered)
	})

	bus.Publish(Event{Type: EventTypeOutbound, Data: map[string]interface{}{"panic": true}})
	bus.Publish(Event{Type: EventTypeOutbound, Data: map[string]interface{}{}})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	bus.Close(context.Background())
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := New()
	bus.Subscribe(EventTypeOutbound, func(Event) {})
	bus.Close(context.Background())
	bus.Close(context.Background())

	// Must not panic on the closed queue.
	NewPublisher(bus).Publish(protocol.Outbound{Payload: "late"})
}

func TestQueueFullDrops(t *testing.T) {
	bus := NewWithConfig(1, 1)
	release := make(chan struct{})
	bus.Subscribe(EventTypeOutbound, func(Event) { <-release })

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventTypeOutbound, Data: map[string]interface{}{KeyPayload: i}})
	}
	if bus.Dropped() == 0 {
		t.Error("expected drops with a blocked worker and a queue of 1")
	}
	close(release)
	bus.Close(context.Background())
}
