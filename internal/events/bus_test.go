package events

import (
	"testing"
	"time"

	"github.com/dunmininu/oms-trading/internal/types"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(8)
	a := bus.Subscribe()
	b := bus.Subscribe()

	sent := bus.Publish(types.EventOrderRouted, "tenant-1", "acc-1", map[string]string{"k": "v"})
	if sent.EventID == "" {
		t.Fatal("published event has no id")
	}

	for name, ch := range map[string]<-chan types.LifecycleEvent{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got.EventID != sent.EventID {
				t.Errorf("subscriber %s: event id %s, want %s", name, got.EventID, sent.EventID)
			}
			if got.Type != types.EventOrderRouted || got.TenantID != "tenant-1" {
				t.Errorf("subscriber %s: unexpected event %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: no event delivered", name)
		}
	}
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe()

	published := []string{}
	for i := 0; i < 10; i++ {
		ev := bus.Publish(types.EventPositionUpdated, "t", "a", i)
		published = append(published, ev.EventID)
	}

	for i := 0; i < 10; i++ {
		got := <-ch
		if got.EventID != published[i] {
			t.Fatalf("event %d out of order", i)
		}
	}
}

func TestBus_UniqueEventIDs(t *testing.T) {
	bus := NewBus(4)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ev := bus.Publish(types.EventOrderFilled, "t", "a", nil)
		if seen[ev.EventID] {
			t.Fatalf("duplicate event id %s", ev.EventID)
		}
		seen[ev.EventID] = true
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(2)
	ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		// Far more events than the buffer holds, with nobody reading.
		for i := 0; i < 100; i++ {
			bus.Publish(types.EventOrderRouted, "t", "a", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The subscriber still sees the most recent events.
	if len(ch) == 0 {
		t.Fatal("no events buffered for slow subscriber")
	}
}
