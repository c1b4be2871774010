/*
events.go - Capacity change events

PURPOSE:
  Ephemeral notifications pushed to live observers (dashboards, grids)
  after each committed mutation. Events are not persisted and are never
  replayed; a subscriber owns its own buffering and a new subscriber
  receives only future events.

SEE ALSO:
  - bus.go: the in-process broadcaster
  - api/events.go: the SSE transport exposing the stream
*/
package allocation

import "time"

// EventType identifies what kind of committed change an event describes.
type EventType string

const (
	EventAllocationCreated EventType = "allocation.created"
	EventAllocationUpdated EventType = "allocation.updated"
	EventAllocationDeleted EventType = "allocation.deleted"
	EventCapacityChanged   EventType = "capacity.changed"
)

// Event is a capacity change notification. Lifetime is the single
// broadcast; the engine builds it from post-commit state.
type Event struct {
	Type      EventType
	ShopCode  ShopCode
	Month     Month
	Timestamp time.Time
	UserID    string

	// Snapshots taken inside the committed unit of work. Allocation is nil
	// for pure capacity changes; Capacity is nil only when the ledger row
	// was untouched (never the case today, but subscribers must not assume).
	Allocation *Allocation
	Capacity   *CapacityLedger
}
