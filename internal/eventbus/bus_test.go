package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, buffer full

	e := <-ch
	if e.Type != "a" || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestUnsubscribeTwiceAndPublishAfter(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(0)
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
}

func TestListenFiltersTypes(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 4)
	done := Listen(ctx, b, 8, func(e Event) { got <- e }, SubscriberConfirmed)

	b.Publish(Event{Type: PhaseFinished})
	b.Publish(Event{Type: SubscriberConfirmed, Data: Subscriber{TenantID: "edufit", SubscriberID: 3}})

	select {
	case e := <-got:
		if e.Type != SubscriberConfirmed || e.Data.(Subscriber).SubscriberID != 3 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not receive event")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not exit")
	}
	if len(got) != 0 {
		t.Fatalf("filtered event leaked: %+v", <-got)
	}
}
