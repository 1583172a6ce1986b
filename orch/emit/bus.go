package emit

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each bus subscriber.
// Events are dropped for a subscriber that falls this far behind; the engine
// must never block on its own events.
const subscriberBufferSize = 128

// Bus is an in-memory event bus: an Emitter on the publish side and a
// pattern-matched subscription surface on the consume side. The engine only
// publishes; observers subscribe with path.Match globs over event tags
// (e.g. "salt/run/*/ret") and may wait for a single matching event with a
// deadline via AwaitTag.
//
// The bus is shared state across concurrent job records and is safe for
// concurrent publish and subscribe.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Subscription is one live subscriber on the bus.
type Subscription struct {
	// ID is the subscriber token, unique per subscription.
	ID string

	// Pattern is the tag glob this subscription matches.
	Pattern string

	// C delivers matching events. Closed on Unsubscribe.
	C <-chan Event

	ch  chan Event
	bus *Bus
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Emit publishes the event to every subscription whose pattern matches the
// tag, stamping the publish time if unset. Never blocks: events are dropped
// for slow subscribers.
func (b *Bus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if ok, err := path.Match(sub.Pattern, event.Tag); err != nil || !ok {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber; drop rather than stall the scheduler.
		}
	}
}

// Subscribe registers a tag-glob subscription and returns it. The caller
// must Unsubscribe when done or the channel leaks.
func (b *Bus) Subscribe(pattern string) *Subscription {
	ch := make(chan Event, subscriberBufferSize)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		C:       ch,
		ch:      ch,
		bus:     b,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.ID]; !ok {
		return
	}
	delete(s.bus.subs, s.ID)
	close(s.ch)
}

// AwaitTag blocks until one event matching the pattern is published or the
// context is done. This is the cancellable wait primitive observers use to
// await run completion; pair it with context.WithTimeout for a deadline.
func (b *Bus) AwaitTag(ctx context.Context, pattern string) (Event, error) {
	sub := b.Subscribe(pattern)
	defer sub.Unsubscribe()
	select {
	case ev := <-sub.C:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
