// Package eventbus is an in-process fanout for domain events such as a
// subscriber confirming or a tenant phase finishing.
//
// Publish never blocks: subscribers get a buffered channel and a slow
// subscriber drops events instead of stalling the publisher.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	SubscriberConfirmed    = "subscriber.confirmed"
	SubscriberUnsubscribed = "subscriber.unsubscribed"
	PhaseFinished          = "phase.finished"
	ConfigReloaded         = "config.reloaded"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Subscriber is the Data of subscriber.* events.
type Subscriber struct {
	TenantID     string
	SubscriberID int64
	Email        string
	Name         string
}

// Phase is the Data of phase.finished.
type Phase struct {
	TenantID string
	Phase    string
	Date     string
	Outcome  string
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Listen calls fn for every event of the given types until ctx ends. fn runs
// on the listener goroutine, one event at a time. The returned channel closes
// once the listener has exited.
func Listen(ctx context.Context, b Bus, buffer int, fn func(Event), types ...string) <-chan struct{} {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	ch, unsub := b.Subscribe(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if len(want) == 0 || want[e.Type] {
					fn(e)
				}
			}
		}
	}()
	return done
}
