/*
store.go - Persistence interfaces for the allocation engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never touches SQL; it runs every mutation through WithTx and talks to
  transaction-scoped repositories, so the whole unit of work commits or
  rolls back as one.

LOCKING CONTRACT:
  - LedgerRepo.Lock acquires an exclusive read of one (shop, month) row
    for the remainder of the transaction. The engine always locks ledger
    rows FIRST (sorted when two are involved), then the allocation row,
    in a fixed order so concurrent writers cannot deadlock.
  - AllocationRepo.GetForUpdate locks the single allocation row.
  - Scope is always the rows actually involved, never a table.

IDEMPOTENT ENSURE:
  LedgerRepo.Ensure inserts a zero-initialized row if absent and is safe
  under races: two concurrent first-touches of a (shop, month) pair must
  neither error nor duplicate.

IMPLEMENTATIONS:
  - store/sqlite: production store (SQLite; the same statements run on
    PostgreSQL with FOR UPDATE added to the lock reads)

SEE ALSO:
  - engine.go: the only consumer of these interfaces
*/
package allocation

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Entry point the engine is built on
// =============================================================================

// Store combines the transactional write path with the read-only queries
// that do not need a unit of work.
type Store interface {
	// WithTx executes fn within one transaction. If fn returns an error the
	// transaction rolls back and the error is returned unchanged; otherwise
	// it commits. Store-level failures surface as ErrUnavailable wraps.
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error

	// GetAllocation returns nil (no error) when the id does not resolve.
	GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error)

	// ListAllocations applies filters with stable ordering and returns the
	// page plus the unpaginated total.
	ListAllocations(ctx context.Context, filter ListFilter, page Page) (ListResult, error)

	// GetLedger returns nil (no error) when no row exists yet for the pair.
	GetLedger(ctx context.Context, shop ShopCode, month Month) (*CapacityLedger, error)

	// LastTransition returns nil (no error) when nothing has been logged.
	LastTransition(ctx context.Context, entityType, entityID string) (*Transition, error)

	// TransitionHistory returns all transitions newest-first, for audit.
	TransitionHistory(ctx context.Context, entityType, entityID string) ([]Transition, error)
}

// UnitOfWork bundles the transaction-scoped repositories. Everything read
// or written through it belongs to a single database transaction.
type UnitOfWork interface {
	Allocations() AllocationRepo
	Ledger() LedgerRepo
	Transitions() TransitionRepo
}

// =============================================================================
// ALLOCATION REPO - One row per car/shop/month assignment
// =============================================================================

type AllocationRepo interface {
	Insert(ctx context.Context, a Allocation) error

	// GetForUpdate locks and returns the row, or nil when missing.
	GetForUpdate(ctx context.Context, id AllocationID) (*Allocation, error)

	// Update writes all mutable fields including Version and UpdatedAt.
	Update(ctx context.Context, a Allocation) error

	// Delete removes the row; false when it did not exist.
	Delete(ctx context.Context, id AllocationID) (bool, error)
}

// =============================================================================
// LEDGER REPO - Per (shop, month) counters
// =============================================================================

type LedgerRepo interface {
	// Ensure idempotently creates a zero-count row with the given total
	// capacity if absent. Never errors on a concurrent ensure.
	Ensure(ctx context.Context, shop ShopCode, month Month, totalCapacity int) error

	// Lock acquires the row exclusively for this transaction and returns
	// its current state. The row must have been Ensured first.
	Lock(ctx context.Context, shop ShopCode, month Month) (*CapacityLedger, error)

	// AdjustBucket applies a signed delta to the confirmed or planned
	// counter, clamped so it never goes below zero, and bumps the row
	// version. BucketNone is a no-op.
	AdjustBucket(ctx context.Context, shop ShopCode, month Month, bucket Bucket, delta int) error

	// SetTotalCapacity reconfigures the capacity for a pair and bumps the
	// row version. Creates the row when absent.
	SetTotalCapacity(ctx context.Context, shop ShopCode, month Month, total int) error
}

// =============================================================================
// TRANSITION REPO - Append-only status history
// =============================================================================

type TransitionRepo interface {
	Append(ctx context.Context, tr Transition) error

	// Last returns the most recent transition, or nil when none exists.
	Last(ctx context.Context, entityType, entityID string) (*Transition, error)

	// MarkReverted stamps the record with the reverting actor, reason and
	// time. This is the only permitted mutation.
	MarkReverted(ctx context.Context, id TransitionID, actor, reason string, at time.Time) error
}
