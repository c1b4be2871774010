package allocation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/railfleet/shop-engine/allocation"
	"github.com/railfleet/shop-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestEngine(t *testing.T, opts ...allocation.Option) (*allocation.Engine, *allocation.Bus) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := allocation.NewBus()
	t.Cleanup(bus.Close)

	return allocation.NewEngine(st, bus, opts...), bus
}

func march2026() allocation.Month {
	return allocation.Month{Year: 2026, Month: time.March}
}

func april2026() allocation.Month {
	return march2026().Next()
}

func createCar(t *testing.T, eng *allocation.Engine, carID string, shop allocation.ShopCode, status allocation.Status) *allocation.Allocation {
	t.Helper()
	alloc, err := eng.Create(context.Background(), allocation.CreateInput{
		CarID:     carID,
		ShopCode:  shop,
		Month:     march2026(),
		Status:    status,
		CreatedBy: "tester",
	})
	require.NoError(t, err)
	return alloc
}

func ledgerCounts(t *testing.T, eng *allocation.Engine, shop allocation.ShopCode, month allocation.Month) (confirmed, planned, remaining int) {
	t.Helper()
	led, err := eng.ShopMonthCapacity(context.Background(), shop, month)
	require.NoError(t, err)
	return led.ConfirmedCount, led.PlannedCount, led.Remaining()
}

func recvEvent(t *testing.T, ch <-chan allocation.Event) allocation.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event, got none")
		return allocation.Event{}
	}
}

func requireNoEvent(t *testing.T, ch <-chan allocation.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("expected no event, got %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_DefaultsToPlannedAndCountsPlannedBucket(t *testing.T) {
	// GIVEN: A fresh shop/month with default capacity 20
	// WHEN: Creating an allocation without an explicit status
	// THEN: It starts as planned at version 1 and the planned counter is 1

	eng, _ := newTestEngine(t)

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", "")
	require.Equal(t, allocation.StatusPlanned, alloc.Status)
	require.Equal(t, int64(1), alloc.Version)

	confirmed, planned, remaining := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 0, confirmed)
	require.Equal(t, 1, planned)
	require.Equal(t, 19, remaining)
}

func TestCreate_LogsIrreversibleCreationTransition(t *testing.T) {
	eng, _ := newTestEngine(t)
	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", "")

	history, err := eng.History(context.Background(), alloc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, allocation.Status(""), history[0].FromStatus)
	require.Equal(t, allocation.StatusPlanned, history[0].ToStatus)
	require.False(t, history[0].Reversible)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, allocation.CreateInput{ShopCode: "SHOP001", Month: march2026()})
	require.ErrorIs(t, err, allocation.ErrInvalidInput)

	_, err = eng.Create(ctx, allocation.CreateInput{CarID: "RAIL-0001", Month: march2026()})
	require.ErrorIs(t, err, allocation.ErrInvalidInput)

	_, err = eng.Create(ctx, allocation.CreateInput{
		CarID: "RAIL-0001", ShopCode: "SHOP001", Month: march2026(), Status: "bogus",
	})
	require.ErrorIs(t, err, allocation.ErrInvalidInput)
}

// =============================================================================
// CAPACITY GATE
// =============================================================================

func TestCapacityGate_RejectsConfirmedIncrementWhenFull(t *testing.T) {
	// GIVEN: SHOP001 2026-03 with total capacity 2, both slots confirmed
	// WHEN: A third confirmed-bucket allocation is created
	// THEN: It is rejected with the ledger state that blocked it

	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(2))
	ctx := context.Background()

	createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)
	createCar(t, eng, "RAIL-0002", "SHOP001", allocation.StatusArrived)

	before, err := eng.ShopMonthCapacity(ctx, "SHOP001", march2026())
	require.NoError(t, err)

	_, err = eng.Create(ctx, allocation.CreateInput{
		CarID: "RAIL-0003", ShopCode: "SHOP001", Month: march2026(), Status: allocation.StatusArrived,
	})
	require.ErrorIs(t, err, allocation.ErrCapacityExceeded)

	var capErr *allocation.CapacityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, 2, capErr.Total)
	require.Equal(t, 2, capErr.Confirmed)
	require.Equal(t, 0, capErr.Planned)

	// The whole unit of work rolled back: counts and row version untouched.
	after, err := eng.ShopMonthCapacity(ctx, "SHOP001", march2026())
	require.NoError(t, err)
	require.Equal(t, before.ConfirmedCount, after.ConfirmedCount)
	require.Equal(t, before.PlannedCount, after.PlannedCount)
	require.Equal(t, before.Version, after.Version)

	// And the rejected allocation was never persisted.
	result, err := eng.List(ctx, allocation.ListFilter{Search: "RAIL-0003"}, allocation.Page{})
	require.NoError(t, err)
	require.Equal(t, 0, result.Total)
}

func TestCapacityGate_PlannedOccupancyCountsAgainstConfirmedIncrements(t *testing.T) {
	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(2))
	ctx := context.Background()

	createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)
	createCar(t, eng, "RAIL-0002", "SHOP001", allocation.StatusArrived)

	_, err := eng.Create(ctx, allocation.CreateInput{
		CarID: "RAIL-0003", ShopCode: "SHOP001", Month: march2026(), Status: allocation.StatusArrived,
	})
	require.ErrorIs(t, err, allocation.ErrCapacityExceeded)
}

func TestCapacityGate_PlannedIncrementsNeverGated(t *testing.T) {
	// Planned-bucket statuses may oversubscribe a shop; only confirmed
	// increments are gated.
	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(1))

	createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)
	createCar(t, eng, "RAIL-0002", "SHOP001", allocation.StatusPlanned)

	_, planned, remaining := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 2, planned)
	require.Equal(t, 0, remaining)
}

func TestCapacityGate_OverrideBypassesCheck(t *testing.T) {
	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(1))
	ctx := context.Background()

	createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)

	alloc, err := eng.Create(ctx, allocation.CreateInput{
		CarID: "RAIL-0002", ShopCode: "SHOP001", Month: march2026(),
		Status: allocation.StatusArrived, Override: true,
	})
	require.NoError(t, err)
	require.Equal(t, allocation.StatusArrived, alloc.Status)

	confirmed, _, _ := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 2, confirmed)
}

// =============================================================================
// UPDATE STATUS
// =============================================================================

func TestUpdateStatus_PlannedToConfirmedOnFullShopSucceeds(t *testing.T) {
	// GIVEN: A shop with total capacity 1, fully occupied by one planned car
	// WHEN: That same car moves to a confirmed status
	// THEN: The move succeeds (net occupancy unchanged) and buckets swap

	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(1))
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)

	updated, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusArrived, alloc.Version,
		allocation.UpdateOptions{Actor: "dispatcher"})
	require.NoError(t, err)
	require.Equal(t, allocation.StatusArrived, updated.Status)
	require.Equal(t, int64(2), updated.Version)

	confirmed, planned, _ := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 1, confirmed)
	require.Equal(t, 0, planned)
}

func TestUpdateStatus_SameBucketMoveLeavesLedgerUntouched(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)
	before, err := eng.ShopMonthCapacity(ctx, "SHOP001", march2026())
	require.NoError(t, err)

	_, err = eng.UpdateStatus(ctx, alloc.ID, allocation.StatusInRepair, alloc.Version,
		allocation.UpdateOptions{Actor: "shop"})
	require.NoError(t, err)

	after, err := eng.ShopMonthCapacity(ctx, "SHOP001", march2026())
	require.NoError(t, err)
	require.Equal(t, before.ConfirmedCount, after.ConfirmedCount)
	require.Equal(t, before.PlannedCount, after.PlannedCount)
	require.Equal(t, before.Version, after.Version)
}

func TestUpdateStatus_CancellationFreesTheSlot(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)

	_, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusCancelled, alloc.Version,
		allocation.UpdateOptions{Actor: "planner"})
	require.NoError(t, err)

	confirmed, planned, remaining := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 0, confirmed)
	require.Equal(t, 0, planned)
	require.Equal(t, 20, remaining)
}

func TestUpdateStatus_StaleVersionRejected(t *testing.T) {
	// GIVEN: An allocation another writer already moved to version 2
	// WHEN: A caller presents the version it read earlier (1)
	// THEN: The write is rejected; nothing is silently overwritten

	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)
	_, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusEnroute, 1,
		allocation.UpdateOptions{Actor: "first"})
	require.NoError(t, err)

	_, err = eng.UpdateStatus(ctx, alloc.ID, allocation.StatusArrived, 1,
		allocation.UpdateOptions{Actor: "second"})
	require.ErrorIs(t, err, allocation.ErrVersionConflict)

	var conflict *allocation.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(1), conflict.Expected)
	require.Equal(t, int64(2), conflict.Actual)
}

func TestUpdateStatus_ConcurrentWritersExactlyOneWins(t *testing.T) {
	// GIVEN: Eight writers all read the allocation at version 1
	// WHEN: They race to confirm it
	// THEN: Exactly one commit lands; the others see a version conflict and
	//       the confirmed counter moves by exactly one

	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusArrived, 1,
				allocation.UpdateOptions{Actor: "racer"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, allocation.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, writers-1, conflicts)

	confirmed, planned, _ := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 1, confirmed)
	require.Equal(t, 0, planned)

	current, err := eng.Get(ctx, alloc.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), current.Version)
}

func TestUpdateStatus_NotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.UpdateStatus(context.Background(), "missing", allocation.StatusArrived, 1,
		allocation.UpdateOptions{})
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

// =============================================================================
// REASSIGN
// =============================================================================

func TestReassign_MovesOccupancyBetweenLedgerRows(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)

	moved, err := eng.Reassign(ctx, alloc.ID, "SHOP002", april2026(), alloc.Version,
		allocation.UpdateOptions{Actor: "planner"})
	require.NoError(t, err)
	require.Equal(t, allocation.ShopCode("SHOP002"), moved.ShopCode)
	require.Equal(t, april2026(), moved.Month)
	require.Equal(t, int64(2), moved.Version)
	require.Equal(t, allocation.StatusArrived, moved.Status)

	oldConfirmed, _, _ := ledgerCounts(t, eng, "SHOP001", march2026())
	newConfirmed, _, _ := ledgerCounts(t, eng, "SHOP002", april2026())
	require.Equal(t, 0, oldConfirmed)
	require.Equal(t, 1, newConfirmed)
}

func TestReassign_TargetRowIsGated(t *testing.T) {
	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(1))
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)
	createCar(t, eng, "RAIL-0002", "SHOP002", allocation.StatusArrived)

	_, err := eng.Reassign(ctx, alloc.ID, "SHOP002", march2026(), alloc.Version,
		allocation.UpdateOptions{Actor: "planner"})
	require.ErrorIs(t, err, allocation.ErrCapacityExceeded)

	// Rejected atomically: the source row still holds its slot.
	confirmed, _, _ := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 1, confirmed)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDelete_FreesTheSlotAndReportsExistence(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)

	deleted, err := eng.Delete(ctx, alloc.ID, "planner")
	require.NoError(t, err)
	require.True(t, deleted)

	confirmed, _, _ := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 0, confirmed)

	deleted, err = eng.Delete(ctx, alloc.ID, "planner")
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = eng.Get(ctx, alloc.ID)
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

// =============================================================================
// REVERT
// =============================================================================

func TestRevert_RestoresStatusAndLedger(t *testing.T) {
	// GIVEN: A planned car confirmed as arrived (confirmed 1, planned 0)
	// WHEN: The last transition is reverted
	// THEN: The car is planned again, the buckets swap back and the
	//       transition record carries the revert stamp

	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)
	updated, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusArrived, 1,
		allocation.UpdateOptions{Actor: "dispatcher"})
	require.NoError(t, err)

	reverted, err := eng.RevertLastTransition(ctx, alloc.ID, "supervisor", "entered by mistake")
	require.NoError(t, err)
	require.Equal(t, allocation.StatusPlanned, reverted.Status)
	require.Equal(t, updated.Version+1, reverted.Version)

	confirmed, planned, _ := ledgerCounts(t, eng, "SHOP001", march2026())
	require.Equal(t, 0, confirmed)
	require.Equal(t, 1, planned)

	// The reverted transition itself is the record; no new entry appended.
	history, err := eng.History(ctx, alloc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].Reverted)
	require.Equal(t, "supervisor", history[0].RevertedBy)
	require.Equal(t, "entered by mistake", history[0].RevertReason)
	require.NotNil(t, history[0].RevertedAt)
}

func TestRevert_AlreadyRevertedTransitionBlocked(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)
	_, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusArrived, 1,
		allocation.UpdateOptions{Actor: "dispatcher"})
	require.NoError(t, err)

	_, err = eng.RevertLastTransition(ctx, alloc.ID, "supervisor", "")
	require.NoError(t, err)

	_, err = eng.RevertLastTransition(ctx, alloc.ID, "supervisor", "")
	require.ErrorIs(t, err, allocation.ErrRevertNotAllowed)

	var blocked *allocation.RevertBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Contains(t, blocked.Blockers, "Transition has already been reverted")
}

func TestRevert_CreationTransitionNotReversible(t *testing.T) {
	eng, _ := newTestEngine(t)

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)

	_, err := eng.RevertLastTransition(context.Background(), alloc.ID, "supervisor", "")
	require.ErrorIs(t, err, allocation.ErrRevertNotAllowed)

	var blocked *allocation.RevertBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Contains(t, blocked.Blockers, "Transition is not reversible")
}

func TestRevert_ConfirmedIncrementIsGated(t *testing.T) {
	// GIVEN: Car A was confirmed, then cancelled; car B took the freed slot
	// WHEN: A's cancellation is reverted, which would re-confirm A
	// THEN: The revert is rejected because the shop is full again

	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(1))
	ctx := context.Background()

	a := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)
	_, err := eng.UpdateStatus(ctx, a.ID, allocation.StatusCancelled, 1,
		allocation.UpdateOptions{Actor: "planner"})
	require.NoError(t, err)

	createCar(t, eng, "RAIL-0002", "SHOP001", allocation.StatusArrived)

	_, err = eng.RevertLastTransition(ctx, a.ID, "supervisor", "cancelled in error")
	require.ErrorIs(t, err, allocation.ErrCapacityExceeded)
}

func TestRevert_MissingAllocationNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.RevertLastTransition(context.Background(), "missing", "supervisor", "")
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

func TestRevert_EmptyTransitionLogRejected(t *testing.T) {
	// GIVEN: An allocation row written outside the engine (imported data),
	//        so it exists but has no transition history
	// WHEN: A revert is attempted
	// THEN: It fails with the distinct no-transition error, not a blocker list

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	eng := allocation.NewEngine(st, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	err = st.WithTx(ctx, func(uow allocation.UnitOfWork) error {
		return uow.Allocations().Insert(ctx, allocation.Allocation{
			ID:        "imported-1",
			CarID:     "RAIL-0001",
			ShopCode:  "SHOP001",
			Month:     march2026(),
			Status:    allocation.StatusPlanned,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	_, err = eng.RevertLastTransition(ctx, "imported-1", "supervisor", "")
	require.ErrorIs(t, err, allocation.ErrNoTransitionToRevert)
	require.NotErrorIs(t, err, allocation.ErrRevertNotAllowed)

	// CanRevert agrees: disallowed without naming blockers.
	check, err := eng.CanRevert(ctx, "imported-1")
	require.NoError(t, err)
	require.False(t, check.Allowed)
	require.Empty(t, check.Blockers)
}

func TestCanRevert_ReportsEligibilityWithoutMutating(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)

	check, err := eng.CanRevert(ctx, alloc.ID)
	require.NoError(t, err)
	require.False(t, check.Allowed)

	_, err = eng.UpdateStatus(ctx, alloc.ID, allocation.StatusEnroute, 1,
		allocation.UpdateOptions{Actor: "dispatcher"})
	require.NoError(t, err)

	check, err = eng.CanRevert(ctx, alloc.ID)
	require.NoError(t, err)
	require.True(t, check.Allowed)
	require.Equal(t, allocation.StatusPlanned, check.PreviousState)

	current, err := eng.Get(ctx, alloc.ID)
	require.NoError(t, err)
	require.Equal(t, allocation.StatusEnroute, current.Status)
}

// =============================================================================
// CAPACITY CONFIGURATION AND READS
// =============================================================================

func TestSetCapacity_CreatesOrUpdatesRow(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	led, err := eng.SetCapacity(ctx, "SHOP001", march2026(), 5, "admin")
	require.NoError(t, err)
	require.Equal(t, 5, led.TotalCapacity)

	createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusArrived)

	// Counts survive a capacity change, even when they now exceed total.
	led, err = eng.SetCapacity(ctx, "SHOP001", march2026(), 0, "admin")
	require.NoError(t, err)
	require.Equal(t, 0, led.TotalCapacity)
	require.Equal(t, 1, led.ConfirmedCount)
	require.Equal(t, 0, led.Remaining())

	_, err = eng.SetCapacity(ctx, "SHOP001", march2026(), -1, "admin")
	require.ErrorIs(t, err, allocation.ErrInvalidInput)
}

func TestShopMonthCapacity_SynthesizesDefaultWithoutCreatingRow(t *testing.T) {
	eng, _ := newTestEngine(t, allocation.WithDefaultCapacity(7))
	ctx := context.Background()

	led, err := eng.ShopMonthCapacity(ctx, "SHOP009", march2026())
	require.NoError(t, err)
	require.Equal(t, 7, led.TotalCapacity)
	require.Equal(t, 0, led.ConfirmedCount)
	require.Equal(t, 0, led.PlannedCount)
	require.Equal(t, int64(0), led.Version)
}

func TestList_FiltersAndPaginates(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)
	createCar(t, eng, "RAIL-0002", "SHOP001", allocation.StatusArrived)
	createCar(t, eng, "RAIL-0003", "SHOP002", allocation.StatusPlanned)

	result, err := eng.List(ctx, allocation.ListFilter{ShopCode: "SHOP001"}, allocation.Page{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	require.Len(t, result.Items, 2)

	result, err = eng.List(ctx, allocation.ListFilter{Status: allocation.StatusPlanned}, allocation.Page{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)

	result, err = eng.List(ctx, allocation.ListFilter{Search: "0003"}, allocation.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	require.Equal(t, "RAIL-0003", result.Items[0].CarID)

	// Page size 2: total still reports all matches.
	result, err = eng.List(ctx, allocation.ListFilter{}, allocation.Page{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, result.Total)
	require.Len(t, result.Items, 2)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEvents_ExactlyOnePerCommittedMutation(t *testing.T) {
	// GIVEN: A live subscriber
	// WHEN: A create commits, then an update fails on a stale version
	// THEN: Exactly one event arrives, carrying the post-commit ledger

	eng, bus := newTestEngine(t)
	ctx := context.Background()
	_, events := bus.Subscribe()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)

	ev := recvEvent(t, events)
	require.Equal(t, allocation.EventAllocationCreated, ev.Type)
	require.Equal(t, allocation.ShopCode("SHOP001"), ev.ShopCode)
	require.NotNil(t, ev.Allocation)
	require.NotNil(t, ev.Capacity)
	require.Equal(t, 1, ev.Capacity.PlannedCount)

	_, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusArrived, 99,
		allocation.UpdateOptions{Actor: "stale"})
	require.ErrorIs(t, err, allocation.ErrVersionConflict)
	requireNoEvent(t, events)
}

func TestEvents_EveryLifecycleStagePublishes(t *testing.T) {
	eng, bus := newTestEngine(t)
	ctx := context.Background()
	_, events := bus.Subscribe()

	alloc := createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)
	require.Equal(t, allocation.EventAllocationCreated, recvEvent(t, events).Type)

	_, err := eng.UpdateStatus(ctx, alloc.ID, allocation.StatusArrived, 1,
		allocation.UpdateOptions{Actor: "dispatcher"})
	require.NoError(t, err)
	require.Equal(t, allocation.EventAllocationUpdated, recvEvent(t, events).Type)

	_, err = eng.RevertLastTransition(ctx, alloc.ID, "supervisor", "")
	require.NoError(t, err)
	require.Equal(t, allocation.EventAllocationUpdated, recvEvent(t, events).Type)

	_, err = eng.SetCapacity(ctx, "SHOP001", march2026(), 30, "admin")
	require.NoError(t, err)
	ev := recvEvent(t, events)
	require.Equal(t, allocation.EventCapacityChanged, ev.Type)
	require.Nil(t, ev.Allocation)
	require.Equal(t, 30, ev.Capacity.TotalCapacity)

	deleted, err := eng.Delete(ctx, alloc.ID, "planner")
	require.NoError(t, err)
	require.True(t, deleted)
	require.Equal(t, allocation.EventAllocationDeleted, recvEvent(t, events).Type)
}

func TestEvents_AllSubscribersReceiveEachEvent(t *testing.T) {
	eng, bus := newTestEngine(t)

	_, first := bus.Subscribe()
	_, second := bus.Subscribe()
	_, third := bus.Subscribe()

	createCar(t, eng, "RAIL-0001", "SHOP001", allocation.StatusPlanned)

	for _, ch := range []<-chan allocation.Event{first, second, third} {
		require.Equal(t, allocation.EventAllocationCreated, recvEvent(t, ch).Type)
	}
}
