/*
Package allocation provides the shop capacity allocation engine.

PURPOSE:
  This package contains the domain types and orchestration logic for
  assigning railcar maintenance work to repair shops for a target month.
  It owns the three pieces of state with real invariants: the allocations
  themselves, the per (shop, month) capacity ledger, and the append-only
  transition log used for audit and reversal.

KEY CONCEPTS IN THIS FILE (types.go):
  - Allocation: one car assigned to one shop for one month, with a status
    and an optimistic version
  - Month: year-month granularity target period (stored as "YYYY-MM")
  - CapacityLedger: aggregate confirmed/planned counters per shop+month
  - ListFilter / Page: query surface for the allocation store

DESIGN PRINCIPLES:
  1. Single writer per counter row: every bucket adjustment happens under
     the ledger row lock inside one unit of work
  2. Optimistic concurrency: callers carry the allocation version they
     read; a stale version is rejected, never silently overwritten
  3. Precision: costs use decimal.Decimal, never float64
  4. Auditability: every committed status change appends a transition

SEE ALSO:
  - status.go: the closed status set and bucket mapping
  - engine.go: atomic create/update/delete/revert orchestration
  - store.go: persistence interfaces
  - errors.go: error taxonomy
*/
package allocation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AllocationID string
type ShopCode string
type TransitionID string

// =============================================================================
// MONTH - Year-month granularity target period
// =============================================================================

// Month identifies a target shopping month. Allocations and ledger rows
// are keyed at this granularity; days never matter to capacity.
type Month struct {
	Year  int
	Month time.Month
}

// ParseMonth parses "YYYY-MM" (e.g. "2026-03").
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

// MonthOf returns the Month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

// Next returns the following month.
func (m Month) Next() Month {
	t := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return MonthOf(t)
}

// =============================================================================
// ALLOCATION - One car assigned to one shop for one month
// =============================================================================

type Allocation struct {
	ID       AllocationID
	CarID    string
	ShopCode ShopCode
	Month    Month
	Status   Status

	EstimatedCost decimal.Decimal
	ActualCost    decimal.Decimal

	// Version increases by one on every committed mutation. Callers present
	// the version they read; see Engine.UpdateStatus.
	Version int64

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateInput is the input to Engine.Create.
type CreateInput struct {
	CarID         string
	ShopCode      ShopCode
	Month         Month
	Status        Status // zero value defaults to StatusPlanned
	EstimatedCost decimal.Decimal
	CreatedBy     string

	// Override bypasses the confirmed-bucket capacity gate.
	Override bool
}

// =============================================================================
// CAPACITY LEDGER ENTRY - Per (shop, month) aggregate counters
// =============================================================================

// CapacityLedger is the sole source of truth for how much room a shop has
// left in a month. confirmed/planned counts are maintained transactionally
// alongside allocation mutations and never recomputed by scanning.
type CapacityLedger struct {
	ShopCode       ShopCode
	Month          Month
	TotalCapacity  int
	ConfirmedCount int
	PlannedCount   int
	Version        int64
	UpdatedAt      time.Time
}

// Remaining is total minus both counted buckets, floored at zero.
func (c CapacityLedger) Remaining() int {
	r := c.TotalCapacity - c.ConfirmedCount - c.PlannedCount
	if r < 0 {
		return 0
	}
	return r
}

// =============================================================================
// LIST FILTERS AND PAGINATION
// =============================================================================

type ListFilter struct {
	ShopCode ShopCode // empty = all shops
	Status   Status   // empty = all statuses
	Month    Month    // zero = all months
	Search   string   // matches car id or shop code, case-insensitive
}

type Page struct {
	Limit  int // <= 0 means default (50)
	Offset int
}

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListResult carries one page of allocations plus the unpaginated total.
type ListResult struct {
	Items []Allocation
	Total int
}
