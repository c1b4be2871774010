/*
Package sqlite provides the SQLite-backed implementation of the
allocation storage interfaces.

PURPOSE:
  Implements allocation.Store and the transaction-scoped repositories
  (AllocationRepo, LedgerRepo, TransitionRepo) over database/sql. The
  same statements run on PostgreSQL with minor dialect changes; the one
  semantic difference is noted on Lock below.

KEY TABLES:
  allocations:     one row per car/shop/month assignment, with a version
                   column for optimistic locking
  capacity_ledger: one row per (shop_code, month); UNIQUE pair key makes
                   Ensure race-safe via ON CONFLICT DO NOTHING
  transitions:     append-only status history; the only UPDATE ever
                   issued stamps the revert fields

LOCKING:
  SQLite serializes writers, and the store additionally holds a
  sync.RWMutex across each unit of work, so a transaction that read a
  ledger row effectively owns it until commit. On PostgreSQL the Lock
  reads would carry FOR UPDATE to get the same row-level guarantee.

WAL MODE:
  Opened with WAL so readers never block behind the single writer.

USAGE:
  store, err := sqlite.New("./data/shopengine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := allocation.NewEngine(store, allocation.NewBus())

SEE ALSO:
  - allocation/store.go: interface contracts
  - allocation/engine.go: the orchestration these repos serve
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/railfleet/shop-engine/allocation"
)

// Store implements allocation.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store with the given database path. Use ":memory:" for
// an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent (each pooled
	// connection would otherwise get its own empty database) and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Allocations (one row per car/shop/month assignment)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		car_id TEXT NOT NULL,
		shop_code TEXT NOT NULL,
		month TEXT NOT NULL,
		status TEXT NOT NULL,
		estimated_cost TEXT NOT NULL DEFAULT '0',
		actual_cost TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_shop_month
		ON allocations(shop_code, month);
	CREATE INDEX IF NOT EXISTS idx_allocations_status
		ON allocations(status);
	CREATE INDEX IF NOT EXISTS idx_allocations_car
		ON allocations(car_id);

	-- Capacity ledger (one row per shop+month; never deleted)
	CREATE TABLE IF NOT EXISTS capacity_ledger (
		shop_code TEXT NOT NULL,
		month TEXT NOT NULL,
		total_capacity INTEGER NOT NULL,
		confirmed_count INTEGER NOT NULL DEFAULT 0,
		planned_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (shop_code, month)
	);

	-- Transitions (append-only status history)
	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		actor TEXT,
		occurred_at TEXT NOT NULL,
		reversible INTEGER NOT NULL DEFAULT 1,
		reverted INTEGER NOT NULL DEFAULT 0,
		reverted_by TEXT,
		revert_reason TEXT,
		reverted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_entity
		ON transitions(entity_type, entity_id, occurred_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK (allocation.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction. The store mutex is
// held for the duration, which is what serializes concurrent writers on
// SQLite's single-writer model.
func (s *Store) WithTx(ctx context.Context, fn func(allocation.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", allocation.ErrUnavailable, err)
	}
	defer sqlTx.Rollback()

	uow := &unitOfWork{tx: sqlTx}
	if err := fn(uow); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", allocation.ErrUnavailable, err)
	}
	return nil
}

type unitOfWork struct {
	tx *sql.Tx
}

func (u *unitOfWork) Allocations() allocation.AllocationRepo { return &allocationRepo{tx: u.tx} }
func (u *unitOfWork) Ledger() allocation.LedgerRepo          { return &ledgerRepo{tx: u.tx} }
func (u *unitOfWork) Transitions() allocation.TransitionRepo { return &transitionRepo{tx: u.tx} }

// =============================================================================
// ALLOCATION REPO
// =============================================================================

type allocationRepo struct {
	tx *sql.Tx
}

func (r *allocationRepo) Insert(ctx context.Context, a allocation.Allocation) error {
	query := `
		INSERT INTO allocations
		(id, car_id, shop_code, month, status, estimated_cost, actual_cost,
		 version, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.tx.ExecContext(ctx, query,
		a.ID,
		a.CarID,
		a.ShopCode,
		a.Month.String(),
		a.Status,
		a.EstimatedCost.String(),
		a.ActualCost.String(),
		a.Version,
		nullString(a.CreatedBy),
		a.CreatedAt.Format(time.RFC3339),
		a.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

// GetForUpdate reads the row inside the transaction. Exclusivity comes
// from the store's single-writer model; on PostgreSQL this query would
// append FOR UPDATE.
func (r *allocationRepo) GetForUpdate(ctx context.Context, id allocation.AllocationID) (*allocation.Allocation, error) {
	row := r.tx.QueryRowContext(ctx, selectAllocation+" WHERE id = ?", id)
	return scanAllocationRow(row)
}

func (r *allocationRepo) Update(ctx context.Context, a allocation.Allocation) error {
	query := `
		UPDATE allocations
		SET car_id = ?, shop_code = ?, month = ?, status = ?,
		    estimated_cost = ?, actual_cost = ?, version = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.tx.ExecContext(ctx, query,
		a.CarID,
		a.ShopCode,
		a.Month.String(),
		a.Status,
		a.EstimatedCost.String(),
		a.ActualCost.String(),
		a.Version,
		a.UpdatedAt.Format(time.RFC3339),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return allocation.ErrNotFound
	}
	return nil
}

func (r *allocationRepo) Delete(ctx context.Context, id allocation.AllocationID) (bool, error) {
	res, err := r.tx.ExecContext(ctx, "DELETE FROM allocations WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete allocation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =============================================================================
// LEDGER REPO
// =============================================================================

type ledgerRepo struct {
	tx *sql.Tx
}

// Ensure inserts a zero-count row if absent. ON CONFLICT DO NOTHING makes
// concurrent first-touches of the same pair race-safe.
func (r *ledgerRepo) Ensure(ctx context.Context, shop allocation.ShopCode, month allocation.Month, totalCapacity int) error {
	query := `
		INSERT INTO capacity_ledger (shop_code, month, total_capacity, confirmed_count, planned_count, version, updated_at)
		VALUES (?, ?, ?, 0, 0, 1, ?)
		ON CONFLICT(shop_code, month) DO NOTHING
	`
	_, err := r.tx.ExecContext(ctx, query,
		shop, month.String(), totalCapacity, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to ensure ledger row: %w", err)
	}
	return nil
}

// Lock reads the row inside the transaction. See GetForUpdate for the
// exclusivity note.
func (r *ledgerRepo) Lock(ctx context.Context, shop allocation.ShopCode, month allocation.Month) (*allocation.CapacityLedger, error) {
	row := r.tx.QueryRowContext(ctx,
		`SELECT shop_code, month, total_capacity, confirmed_count, planned_count, version, updated_at
		 FROM capacity_ledger WHERE shop_code = ? AND month = ?`,
		shop, month.String())

	led, err := scanLedger(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger row %s/%s not ensured before lock", shop, month)
	}
	if err != nil {
		return nil, err
	}
	return led, nil
}

func (r *ledgerRepo) AdjustBucket(ctx context.Context, shop allocation.ShopCode, month allocation.Month, bucket allocation.Bucket, delta int) error {
	var column string
	switch bucket {
	case allocation.BucketConfirmed:
		column = "confirmed_count"
	case allocation.BucketPlanned:
		column = "planned_count"
	case allocation.BucketNone:
		return nil
	default:
		return fmt.Errorf("unknown bucket %q", bucket)
	}

	// MAX(0, ...) is the clamping invariant: no delta sequence may drive a
	// counter negative.
	query := fmt.Sprintf(`
		UPDATE capacity_ledger
		SET %s = MAX(0, %s + ?), version = version + 1, updated_at = ?
		WHERE shop_code = ? AND month = ?
	`, column, column)

	res, err := r.tx.ExecContext(ctx, query,
		delta, time.Now().UTC().Format(time.RFC3339), shop, month.String())
	if err != nil {
		return fmt.Errorf("failed to adjust %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ledger row %s/%s not ensured before adjust", shop, month)
	}
	return nil
}

func (r *ledgerRepo) SetTotalCapacity(ctx context.Context, shop allocation.ShopCode, month allocation.Month, total int) error {
	query := `
		INSERT INTO capacity_ledger (shop_code, month, total_capacity, confirmed_count, planned_count, version, updated_at)
		VALUES (?, ?, ?, 0, 0, 1, ?)
		ON CONFLICT(shop_code, month) DO UPDATE SET
			total_capacity = excluded.total_capacity,
			version = capacity_ledger.version + 1,
			updated_at = excluded.updated_at
	`
	_, err := r.tx.ExecContext(ctx, query,
		shop, month.String(), total, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set total capacity: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSITION REPO
// =============================================================================

type transitionRepo struct {
	tx *sql.Tx
}

func (r *transitionRepo) Append(ctx context.Context, tr allocation.Transition) error {
	query := `
		INSERT INTO transitions
		(id, entity_type, entity_id, from_status, to_status, actor, occurred_at, reversible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.tx.ExecContext(ctx, query,
		tr.ID,
		tr.EntityType,
		tr.EntityID,
		tr.FromStatus,
		tr.ToStatus,
		nullString(tr.Actor),
		tr.OccurredAt.Format(time.RFC3339Nano),
		tr.Reversible,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (r *transitionRepo) Last(ctx context.Context, entityType, entityID string) (*allocation.Transition, error) {
	row := r.tx.QueryRowContext(ctx,
		selectTransition+`
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY occurred_at DESC, rowid DESC
		 LIMIT 1`,
		entityType, entityID)
	return scanTransitionRow(row)
}

func (r *transitionRepo) MarkReverted(ctx context.Context, id allocation.TransitionID, actor, reason string, at time.Time) error {
	query := `
		UPDATE transitions
		SET reverted = 1, reverted_by = ?, revert_reason = ?, reverted_at = ?
		WHERE id = ?
	`
	res, err := r.tx.ExecContext(ctx, query,
		actor, nullString(reason), at.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark transition reverted: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transition %s not found", id)
	}
	return nil
}

// =============================================================================
// READ-ONLY QUERIES (outside units of work)
// =============================================================================

const selectAllocation = `
	SELECT id, car_id, shop_code, month, status, estimated_cost, actual_cost,
	       version, created_by, created_at, updated_at
	FROM allocations`

func (s *Store) GetAllocation(ctx context.Context, id allocation.AllocationID) (*allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectAllocation+" WHERE id = ?", id)
	return scanAllocationRow(row)
}

func (s *Store) ListAllocations(ctx context.Context, filter allocation.ListFilter, page allocation.Page) (allocation.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.ShopCode != "" {
		where = append(where, "shop_code = ?")
		args = append(args, filter.ShopCode)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Month.IsZero() {
		where = append(where, "month = ?")
		args = append(args, filter.Month.String())
	}
	if filter.Search != "" {
		where = append(where, "(car_id LIKE '%' || ? || '%' OR shop_code LIKE '%' || ? || '%')")
		args = append(args, filter.Search, filter.Search)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM allocations"+clause, args...).Scan(&total); err != nil {
		return allocation.ListResult{}, fmt.Errorf("failed to count allocations: %w", err)
	}

	page = page.Normalize()
	query := selectAllocation + clause + " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return allocation.ListResult{}, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	items := []allocation.Allocation{}
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return allocation.ListResult{}, err
		}
		items = append(items, a)
	}
	return allocation.ListResult{Items: items, Total: total}, rows.Err()
}

func (s *Store) GetLedger(ctx context.Context, shop allocation.ShopCode, month allocation.Month) (*allocation.CapacityLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT shop_code, month, total_capacity, confirmed_count, planned_count, version, updated_at
		 FROM capacity_ledger WHERE shop_code = ? AND month = ?`,
		shop, month.String())

	led, err := scanLedger(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return led, nil
}

const selectTransition = `
	SELECT id, entity_type, entity_id, from_status, to_status, actor, occurred_at,
	       reversible, reverted, reverted_by, revert_reason, reverted_at
	FROM transitions`

func (s *Store) LastTransition(ctx context.Context, entityType, entityID string) (*allocation.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		selectTransition+`
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY occurred_at DESC, rowid DESC
		 LIMIT 1`,
		entityType, entityID)
	return scanTransitionRow(row)
}

func (s *Store) TransitionHistory(ctx context.Context, entityType, entityID string) ([]allocation.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		selectTransition+`
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY occurred_at DESC, rowid DESC`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []allocation.Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAllocation(sc rowScanner) (allocation.Allocation, error) {
	var (
		a                    allocation.Allocation
		month                string
		estimatedCost        string
		actualCost           string
		createdBy            sql.NullString
		createdAt, updatedAt string
	)

	err := sc.Scan(
		&a.ID, &a.CarID, &a.ShopCode, &month, &a.Status,
		&estimatedCost, &actualCost, &a.Version,
		&createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return a, err
	}

	a.Month, err = allocation.ParseMonth(month)
	if err != nil {
		return a, fmt.Errorf("failed to scan allocation month: %w", err)
	}
	a.EstimatedCost = mustDecimal(estimatedCost)
	a.ActualCost = mustDecimal(actualCost)
	a.CreatedBy = createdBy.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return a, nil
}

func scanAllocationRow(row *sql.Row) (*allocation.Allocation, error) {
	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan allocation: %w", err)
	}
	return &a, nil
}

func scanLedger(sc rowScanner) (*allocation.CapacityLedger, error) {
	var (
		led       allocation.CapacityLedger
		month     string
		updatedAt string
	)
	err := sc.Scan(
		&led.ShopCode, &month, &led.TotalCapacity,
		&led.ConfirmedCount, &led.PlannedCount, &led.Version, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	led.Month, err = allocation.ParseMonth(month)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger month: %w", err)
	}
	led.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &led, nil
}

func scanTransition(sc rowScanner) (allocation.Transition, error) {
	var (
		tr                       allocation.Transition
		actor                    sql.NullString
		occurredAt               string
		revertedBy, revertReason sql.NullString
		revertedAt               sql.NullString
	)

	err := sc.Scan(
		&tr.ID, &tr.EntityType, &tr.EntityID, &tr.FromStatus, &tr.ToStatus,
		&actor, &occurredAt, &tr.Reversible, &tr.Reverted,
		&revertedBy, &revertReason, &revertedAt,
	)
	if err != nil {
		return tr, err
	}

	tr.Actor = actor.String
	tr.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
	tr.RevertedBy = revertedBy.String
	tr.RevertReason = revertReason.String
	if revertedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, revertedAt.String)
		tr.RevertedAt = &t
	}
	return tr, nil
}

func scanTransitionRow(row *sql.Row) (*allocation.Transition, error) {
	tr, err := scanTransition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transition: %w", err)
	}
	return &tr, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
