/*
bus.go - In-process capacity event bus

PURPOSE:
  Broadcasts one event per committed mutation to any number of live
  subscribers. Publishing is fire-and-forget relative to the triggering
  transaction: the engine publishes only after a successful commit, and
  nothing a subscriber does can roll back or delay the mutation.

SLOW SUBSCRIBER ISOLATION:
  Each subscriber owns a bounded channel. When it is full the oldest
  buffered event is dropped to make room, so a stalled dashboard can
  never apply backpressure to writers. Delivery is at-most-once per
  subscriber per publish; there is no persistence and no replay.

SEE ALSO:
  - engine.go: the only publisher
  - api/events.go: SSE fan-out to external clients
*/
package allocation

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 32

// Bus fans events out to subscribers. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	buffer int
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: DefaultSubscriberBuffer,
	}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. The channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids
// are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every current subscriber without ever
// blocking. A full subscriber buffer drops its oldest event first.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Buffer full: drop the oldest and retry once. If another
			// goroutine raced us for the slot, drop this event instead.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports attached subscribers, for health endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes all subscriber channels. Further publishes are no-ops and
// further subscribes receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
