/*
engine.go - Atomic allocation orchestration and capacity enforcement

PURPOSE:
  The Engine is the only writer of allocation state. Every mutating
  operation runs as one unit of work: read/lock the rows involved,
  validate capacity and version, write allocation + ledger + transition
  log together, commit, then publish exactly one event.

LOCKING ORDER:
  The capacity ledger row is the only resource touched by every kind of
  mutation, so inside a unit of work ledger rows are locked first (sorted
  by shop+month when a reassignment involves two) and the allocation row
  with them. The transition log needs no lock of its own; its writes are
  causally downstream of the locked allocation.

CAPACITY GATE:
  Only increments of the confirmed bucket are gated: the increment is
  rejected when it would make confirmed + planned exceed total capacity,
  unless the caller set Override. Decrements always clamp at zero, so a
  duplicate or racing decrement cannot drive counters negative.

FAILURE SEMANTICS:
  Capacity and version conflicts are expected, caller-retryable typed
  errors. Nothing is retried internally and nothing is partially applied;
  the whole unit of work rolls back on any failure and no event is
  published.

SEE ALSO:
  - store.go: the interfaces this orchestrates
  - transitions.go: revert eligibility rules
  - bus.go: post-commit event delivery
*/
package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultShopCapacity is used for lazily created ledger rows when the
// engine is not configured otherwise.
const DefaultShopCapacity = 20

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store           Store
	bus             *Bus
	defaultCapacity int
	now             func() time.Time
}

type Option func(*Engine)

// WithDefaultCapacity sets the total capacity assigned to ledger rows
// created lazily on first touch.
func WithDefaultCapacity(n int) Option {
	return func(e *Engine) { e.defaultCapacity = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given store. bus may be nil when
// no observer cares about live events.
func NewEngine(store Store, bus *Bus, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		bus:             bus,
		defaultCapacity: DefaultShopCapacity,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// publish emits one event after a successful commit. Best-effort and
// non-blocking; a publish can never fail the already-committed mutation.
func (e *Engine) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// =============================================================================
// CREATE
// =============================================================================

// Create assigns a car to a shop for a month. The allocation starts at
// version 1; the initial transition (from "none") is logged; the ledger
// row is ensured and, when the initial status counts, incremented under
// the row lock with the confirmed-bucket capacity gate applied.
func (e *Engine) Create(ctx context.Context, input CreateInput) (*Allocation, error) {
	if input.CarID == "" {
		return nil, fmt.Errorf("%w: car id is required", ErrInvalidInput)
	}
	if input.ShopCode == "" {
		return nil, fmt.Errorf("%w: shop code is required", ErrInvalidInput)
	}
	if input.Month.IsZero() {
		return nil, fmt.Errorf("%w: target month is required", ErrInvalidInput)
	}
	status := input.Status
	if status == "" {
		status = StatusPlanned
	}
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	now := e.now()
	alloc := Allocation{
		ID:            AllocationID(uuid.NewString()),
		CarID:         input.CarID,
		ShopCode:      input.ShopCode,
		Month:         input.Month,
		Status:        status,
		EstimatedCost: input.EstimatedCost,
		Version:       1,
		CreatedBy:     input.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var ledger *CapacityLedger
	err := e.store.WithTx(ctx, func(uow UnitOfWork) error {
		if err := uow.Ledger().Ensure(ctx, alloc.ShopCode, alloc.Month, e.defaultCapacity); err != nil {
			return err
		}
		led, err := uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month)
		if err != nil {
			return err
		}

		if bucket := BucketOf(status); bucket != BucketNone {
			if err := e.gate(led, bucket, input.Override); err != nil {
				return err
			}
			if err := uow.Ledger().AdjustBucket(ctx, alloc.ShopCode, alloc.Month, bucket, +1); err != nil {
				return err
			}
		}

		if err := uow.Allocations().Insert(ctx, alloc); err != nil {
			return err
		}

		if err := uow.Transitions().Append(ctx, Transition{
			ID:         TransitionID(uuid.NewString()),
			EntityType: EntityTypeAllocation,
			EntityID:   string(alloc.ID),
			FromStatus: "",
			ToStatus:   status,
			Actor:      input.CreatedBy,
			OccurredAt: now,
			Reversible: false, // undoing a creation is a delete, not a revert
		}); err != nil {
			return err
		}

		ledger, err = uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(Event{
		Type:       EventAllocationCreated,
		ShopCode:   alloc.ShopCode,
		Month:      alloc.Month,
		Timestamp:  e.now(),
		UserID:     input.CreatedBy,
		Allocation: &alloc,
		Capacity:   ledger,
	})
	return &alloc, nil
}

// =============================================================================
// UPDATE STATUS
// =============================================================================

// UpdateOptions carries the acting user and the capacity override flag
// for status updates and reassignments.
type UpdateOptions struct {
	Actor    string
	Override bool
}

// UpdateStatus moves an allocation to newStatus. The caller presents the
// version it read; a mismatch fails with VersionConflictError and the
// caller must refetch and retry. Bucket membership differences are
// applied to the (shop, month) ledger row under its lock, with the
// confirmed-bucket gate on increments.
func (e *Engine) UpdateStatus(ctx context.Context, id AllocationID, newStatus Status, expectedVersion int64, opts UpdateOptions) (*Allocation, error) {
	if !newStatus.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, newStatus)
	}

	var (
		updated Allocation
		ledger  *CapacityLedger
	)
	err := e.store.WithTx(ctx, func(uow UnitOfWork) error {
		alloc, err := uow.Allocations().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if alloc == nil {
			return ErrNotFound
		}
		if alloc.Version != expectedVersion {
			return &VersionConflictError{ID: id, Expected: expectedVersion, Actual: alloc.Version}
		}

		oldStatus := alloc.Status
		oldBucket := BucketOf(oldStatus)
		newBucket := BucketOf(newStatus)

		if oldBucket != newBucket {
			if err := uow.Ledger().Ensure(ctx, alloc.ShopCode, alloc.Month, e.defaultCapacity); err != nil {
				return err
			}
			if _, err := uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month); err != nil {
				return err
			}
			if oldBucket != BucketNone {
				if err := uow.Ledger().AdjustBucket(ctx, alloc.ShopCode, alloc.Month, oldBucket, -1); err != nil {
					return err
				}
			}
			if newBucket != BucketNone {
				led, err := uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month)
				if err != nil {
					return err
				}
				if err := e.gate(led, newBucket, opts.Override); err != nil {
					return err
				}
				if err := uow.Ledger().AdjustBucket(ctx, alloc.ShopCode, alloc.Month, newBucket, +1); err != nil {
					return err
				}
			}
		}

		now := e.now()
		alloc.Status = newStatus
		alloc.Version++
		alloc.UpdatedAt = now
		if err := uow.Allocations().Update(ctx, *alloc); err != nil {
			return err
		}

		if err := uow.Transitions().Append(ctx, Transition{
			ID:         TransitionID(uuid.NewString()),
			EntityType: EntityTypeAllocation,
			EntityID:   string(id),
			FromStatus: oldStatus,
			ToStatus:   newStatus,
			Actor:      opts.Actor,
			OccurredAt: now,
			Reversible: true,
		}); err != nil {
			return err
		}

		updated = *alloc
		if err := uow.Ledger().Ensure(ctx, alloc.ShopCode, alloc.Month, e.defaultCapacity); err != nil {
			return err
		}
		ledger, err = uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(Event{
		Type:       EventAllocationUpdated,
		ShopCode:   updated.ShopCode,
		Month:      updated.Month,
		Timestamp:  e.now(),
		UserID:     opts.Actor,
		Allocation: &updated,
		Capacity:   ledger,
	})
	return &updated, nil
}

// =============================================================================
// REASSIGN
// =============================================================================

// Reassign moves an allocation to a different shop and/or month. The
// bucket it occupies is decremented on the old ledger row and incremented
// on the new one, both under their row locks acquired in a fixed order,
// with the confirmed-bucket gate on the target row. Status is unchanged
// so no transition is logged; the version still increments.
func (e *Engine) Reassign(ctx context.Context, id AllocationID, newShop ShopCode, newMonth Month, expectedVersion int64, opts UpdateOptions) (*Allocation, error) {
	if newShop == "" {
		return nil, fmt.Errorf("%w: shop code is required", ErrInvalidInput)
	}
	if newMonth.IsZero() {
		return nil, fmt.Errorf("%w: target month is required", ErrInvalidInput)
	}

	var (
		updated Allocation
		ledger  *CapacityLedger
	)
	err := e.store.WithTx(ctx, func(uow UnitOfWork) error {
		alloc, err := uow.Allocations().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if alloc == nil {
			return ErrNotFound
		}
		if alloc.Version != expectedVersion {
			return &VersionConflictError{ID: id, Expected: expectedVersion, Actual: alloc.Version}
		}

		oldShop, oldMonth := alloc.ShopCode, alloc.Month
		moved := oldShop != newShop || oldMonth != newMonth

		if moved {
			bucket := BucketOf(alloc.Status)

			if err := uow.Ledger().Ensure(ctx, newShop, newMonth, e.defaultCapacity); err != nil {
				return err
			}
			// Fixed acquisition order across the two rows.
			for _, key := range orderedPairs(oldShop, oldMonth, newShop, newMonth) {
				if _, err := uow.Ledger().Lock(ctx, key.shop, key.month); err != nil {
					return err
				}
			}

			if bucket != BucketNone {
				if err := uow.Ledger().AdjustBucket(ctx, oldShop, oldMonth, bucket, -1); err != nil {
					return err
				}
				led, err := uow.Ledger().Lock(ctx, newShop, newMonth)
				if err != nil {
					return err
				}
				if err := e.gate(led, bucket, opts.Override); err != nil {
					return err
				}
				if err := uow.Ledger().AdjustBucket(ctx, newShop, newMonth, bucket, +1); err != nil {
					return err
				}
			}
		}

		alloc.ShopCode = newShop
		alloc.Month = newMonth
		alloc.Version++
		alloc.UpdatedAt = e.now()
		if err := uow.Allocations().Update(ctx, *alloc); err != nil {
			return err
		}

		updated = *alloc
		if err := uow.Ledger().Ensure(ctx, newShop, newMonth, e.defaultCapacity); err != nil {
			return err
		}
		ledger, err = uow.Ledger().Lock(ctx, newShop, newMonth)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(Event{
		Type:       EventAllocationUpdated,
		ShopCode:   updated.ShopCode,
		Month:      updated.Month,
		Timestamp:  e.now(),
		UserID:     opts.Actor,
		Allocation: &updated,
		Capacity:   ledger,
	})
	return &updated, nil
}

type ledgerKey struct {
	shop  ShopCode
	month Month
}

// orderedPairs returns the distinct ledger keys sorted by (shop, month)
// so every transaction acquires them in the same order.
func orderedPairs(s1 ShopCode, m1 Month, s2 ShopCode, m2 Month) []ledgerKey {
	a := ledgerKey{s1, m1}
	b := ledgerKey{s2, m2}
	if a == b {
		return []ledgerKey{a}
	}
	ka := string(a.shop) + "|" + a.month.String()
	kb := string(b.shop) + "|" + b.month.String()
	if ka <= kb {
		return []ledgerKey{a, b}
	}
	return []ledgerKey{b, a}
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes an allocation, decrementing whatever bucket it occupies
// (clamped at zero). Returns false when the row did not exist.
func (e *Engine) Delete(ctx context.Context, id AllocationID, actor string) (bool, error) {
	var (
		removed *Allocation
		ledger  *CapacityLedger
	)
	err := e.store.WithTx(ctx, func(uow UnitOfWork) error {
		alloc, err := uow.Allocations().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if alloc == nil {
			return nil
		}

		if bucket := BucketOf(alloc.Status); bucket != BucketNone {
			if err := uow.Ledger().Ensure(ctx, alloc.ShopCode, alloc.Month, e.defaultCapacity); err != nil {
				return err
			}
			if _, err := uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month); err != nil {
				return err
			}
			if err := uow.Ledger().AdjustBucket(ctx, alloc.ShopCode, alloc.Month, bucket, -1); err != nil {
				return err
			}
		}

		if _, err := uow.Allocations().Delete(ctx, id); err != nil {
			return err
		}

		removed = alloc
		if err := uow.Ledger().Ensure(ctx, alloc.ShopCode, alloc.Month, e.defaultCapacity); err != nil {
			return err
		}
		ledger, err = uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month)
		return err
	})
	if err != nil {
		return false, err
	}
	if removed == nil {
		return false, nil
	}

	e.publish(Event{
		Type:       EventAllocationDeleted,
		ShopCode:   removed.ShopCode,
		Month:      removed.Month,
		Timestamp:  e.now(),
		UserID:     actor,
		Allocation: removed,
		Capacity:   ledger,
	})
	return true, nil
}

// =============================================================================
// REVERT
// =============================================================================

// RevertLastTransition undoes the most recent status change. Eligibility
// is evaluated under the allocation lock (see CheckRevert); when blocked,
// the error names every blocker at once. On success the prior status is
// restored, the inverse bucket delta applied, the version incremented and
// the transition stamped reverted. The reverted transition itself is the
// record; no new transition is appended.
func (e *Engine) RevertLastTransition(ctx context.Context, id AllocationID, actor, reason string) (*Allocation, error) {
	var (
		updated Allocation
		ledger  *CapacityLedger
	)
	err := e.store.WithTx(ctx, func(uow UnitOfWork) error {
		alloc, err := uow.Allocations().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if alloc == nil {
			return ErrNotFound
		}

		last, err := uow.Transitions().Last(ctx, EntityTypeAllocation, string(id))
		if err != nil {
			return err
		}
		if last == nil {
			return ErrNoTransitionToRevert
		}

		check := CheckRevert(last, alloc.Status)
		if !check.Allowed {
			return &RevertBlockedError{ID: id, Blockers: check.Blockers}
		}

		prior := check.PreviousState
		oldBucket := BucketOf(alloc.Status)
		newBucket := BucketOf(prior)

		if oldBucket != newBucket {
			if err := uow.Ledger().Ensure(ctx, alloc.ShopCode, alloc.Month, e.defaultCapacity); err != nil {
				return err
			}
			if _, err := uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month); err != nil {
				return err
			}
			if oldBucket != BucketNone {
				if err := uow.Ledger().AdjustBucket(ctx, alloc.ShopCode, alloc.Month, oldBucket, -1); err != nil {
					return err
				}
			}
			if newBucket != BucketNone {
				led, err := uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month)
				if err != nil {
					return err
				}
				if err := e.gate(led, newBucket, false); err != nil {
					return err
				}
				if err := uow.Ledger().AdjustBucket(ctx, alloc.ShopCode, alloc.Month, newBucket, +1); err != nil {
					return err
				}
			}
		}

		now := e.now()
		alloc.Status = prior
		alloc.Version++
		alloc.UpdatedAt = now
		if err := uow.Allocations().Update(ctx, *alloc); err != nil {
			return err
		}

		if err := uow.Transitions().MarkReverted(ctx, last.ID, actor, reason, now); err != nil {
			return err
		}

		updated = *alloc
		if err := uow.Ledger().Ensure(ctx, alloc.ShopCode, alloc.Month, e.defaultCapacity); err != nil {
			return err
		}
		ledger, err = uow.Ledger().Lock(ctx, alloc.ShopCode, alloc.Month)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(Event{
		Type:       EventAllocationUpdated,
		ShopCode:   updated.ShopCode,
		Month:      updated.Month,
		Timestamp:  e.now(),
		UserID:     actor,
		Allocation: &updated,
		Capacity:   ledger,
	})
	return &updated, nil
}

// =============================================================================
// CAPACITY CONFIGURATION
// =============================================================================

// SetCapacity reconfigures total capacity for a shop/month and publishes
// a capacity-changed event. total must be non-negative; existing counts
// are untouched even when they already exceed the new total.
func (e *Engine) SetCapacity(ctx context.Context, shop ShopCode, month Month, total int, actor string) (*CapacityLedger, error) {
	if shop == "" {
		return nil, fmt.Errorf("%w: shop code is required", ErrInvalidInput)
	}
	if month.IsZero() {
		return nil, fmt.Errorf("%w: month is required", ErrInvalidInput)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: total capacity must be non-negative", ErrInvalidInput)
	}

	var ledger *CapacityLedger
	err := e.store.WithTx(ctx, func(uow UnitOfWork) error {
		if err := uow.Ledger().SetTotalCapacity(ctx, shop, month, total); err != nil {
			return err
		}
		var err error
		ledger, err = uow.Ledger().Lock(ctx, shop, month)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(Event{
		Type:      EventCapacityChanged,
		ShopCode:  shop,
		Month:     month,
		Timestamp: e.now(),
		UserID:    actor,
		Capacity:  ledger,
	})
	return ledger, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns the allocation or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id AllocationID) (*Allocation, error) {
	alloc, err := e.store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if alloc == nil {
		return nil, ErrNotFound
	}
	return alloc, nil
}

// List returns one page of allocations plus the unpaginated total.
func (e *Engine) List(ctx context.Context, filter ListFilter, page Page) (ListResult, error) {
	return e.store.ListAllocations(ctx, filter, page.Normalize())
}

// ShopMonthCapacity returns the ledger entry for a pair. When no row
// exists yet, a zero-count entry with the default capacity is returned
// without creating one; rows are only created when an allocation first
// touches the pair.
func (e *Engine) ShopMonthCapacity(ctx context.Context, shop ShopCode, month Month) (*CapacityLedger, error) {
	led, err := e.store.GetLedger(ctx, shop, month)
	if err != nil {
		return nil, err
	}
	if led == nil {
		return &CapacityLedger{
			ShopCode:      shop,
			Month:         month,
			TotalCapacity: e.defaultCapacity,
		}, nil
	}
	return led, nil
}

// CanRevert answers revert eligibility without mutating anything, for
// UIs that want to enable or disable the revert action.
func (e *Engine) CanRevert(ctx context.Context, id AllocationID) (RevertCheck, error) {
	alloc, err := e.store.GetAllocation(ctx, id)
	if err != nil {
		return RevertCheck{}, err
	}
	if alloc == nil {
		return RevertCheck{}, ErrNotFound
	}
	last, err := e.store.LastTransition(ctx, EntityTypeAllocation, string(id))
	if err != nil {
		return RevertCheck{}, err
	}
	return CheckRevert(last, alloc.Status), nil
}

// History returns the full transition history, newest first.
func (e *Engine) History(ctx context.Context, id AllocationID) ([]Transition, error) {
	return e.store.TransitionHistory(ctx, EntityTypeAllocation, string(id))
}

// =============================================================================
// CAPACITY GATE
// =============================================================================

// gate rejects a confirmed-bucket increment that would make
// confirmed + planned exceed total capacity. Planned increments and all
// decrements pass freely; Override bypasses the check.
func (e *Engine) gate(led *CapacityLedger, bucket Bucket, override bool) error {
	if bucket != BucketConfirmed || override {
		return nil
	}
	if led.ConfirmedCount+led.PlannedCount+1 > led.TotalCapacity {
		return &CapacityError{
			ShopCode:  led.ShopCode,
			Month:     led.Month,
			Total:     led.TotalCapacity,
			Confirmed: led.ConfirmedCount,
			Planned:   led.PlannedCount,
		}
	}
	return nil
}
