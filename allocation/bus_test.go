package allocation_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/railfleet/shop-engine/allocation"
)

func carEvent(n int) allocation.Event {
	return allocation.Event{
		Type:     allocation.EventAllocationUpdated,
		ShopCode: "SHOP001",
		UserID:   fmt.Sprintf("publisher-%d", n),
	}
}

func TestBus_PublishReachesEverySubscriber(t *testing.T) {
	bus := allocation.NewBus()
	defer bus.Close()

	_, a := bus.Subscribe()
	_, b := bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(carEvent(1))

	require.Equal(t, "publisher-1", (<-a).UserID)
	require.Equal(t, "publisher-1", (<-b).UserID)
}

func TestBus_SlowSubscriberDropsOldestNeverBlocks(t *testing.T) {
	// GIVEN: A subscriber that never drains its channel
	// WHEN: More events are published than its buffer holds
	// THEN: Publish returns immediately and the oldest events are gone

	bus := allocation.NewBus()
	defer bus.Close()

	_, ch := bus.Subscribe()

	const extra = 3
	for i := 0; i < allocation.DefaultSubscriberBuffer+extra; i++ {
		bus.Publish(carEvent(i))
	}

	require.Len(t, ch, allocation.DefaultSubscriberBuffer)
	first := <-ch
	require.Equal(t, fmt.Sprintf("publisher-%d", extra), first.UserID)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := allocation.NewBus()
	defer bus.Close()

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)
	require.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	require.False(t, open)

	// Publishing to nobody is a no-op.
	bus.Publish(carEvent(1))

	// Unknown ids are ignored.
	bus.Unsubscribe("nope")
}

func TestBus_CloseTerminatesAllSubscribers(t *testing.T) {
	bus := allocation.NewBus()

	_, a := bus.Subscribe()
	_, b := bus.Subscribe()

	bus.Close()
	bus.Close() // idempotent

	_, open := <-a
	require.False(t, open)
	_, open = <-b
	require.False(t, open)

	// Subscribing after close yields an already-closed channel.
	_, late := bus.Subscribe()
	_, open = <-late
	require.False(t, open)
	require.Equal(t, 0, bus.SubscriberCount())
}
