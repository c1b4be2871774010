/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Collaborators (HTTP layer, batch jobs) branch on these with errors.Is
  and errors.As; none of them are retried inside the engine.

ERROR CATEGORIES:
  1. Conflict errors - expected, caller-recoverable (capacity, version)
  2. Lookup errors   - id does not resolve to a row
  3. Revert errors   - reversal blocked or impossible
  4. Store errors    - lock/connection trouble, retryable as a whole call

SEE ALSO:
  - engine.go: the only producer of these errors
  - api/handlers.go: maps them to HTTP statuses
*/
package allocation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCapacityExceeded is returned when a confirmed-bucket increment would
	// push confirmed+planned past total capacity. Recoverable: choose another
	// shop/month or pass Override.
	ErrCapacityExceeded = errors.New("shop capacity exceeded")

	// ErrVersionConflict is returned when the caller's expected version is
	// stale. Recoverable: refetch and retry.
	ErrVersionConflict = errors.New("allocation modified by another user")

	// ErrNotFound is returned when an allocation id does not resolve to a row.
	ErrNotFound = errors.New("allocation not found")

	// ErrRevertNotAllowed is returned when the last transition exists but is
	// not eligible for reversal. The wrapping RevertBlockedError names every
	// blocker at once.
	ErrRevertNotAllowed = errors.New("revert not allowed")

	// ErrNoTransitionToRevert is returned when the transition log has no
	// entry for the allocation.
	ErrNoTransitionToRevert = errors.New("No transition to revert")

	// ErrUnavailable is returned when the store cannot serve the unit of work
	// (lock timeout, connection trouble). Distinct from conflicts: the whole
	// call may simply be retried.
	ErrUnavailable = errors.New("store unavailable, retry")

	// ErrInvalidInput is returned for malformed input (missing car id,
	// unknown status, negative capacity) before any row is touched.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityError reports the ledger state that rejected an increment.
type CapacityError struct {
	ShopCode  ShopCode
	Month     Month
	Total     int
	Confirmed int
	Planned   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("shop capacity exceeded for %s %s: %d confirmed + %d planned of %d total",
		e.ShopCode, e.Month, e.Confirmed, e.Planned, e.Total)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// VersionConflictError reports an optimistic locking failure.
type VersionConflictError struct {
	ID       AllocationID
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("allocation %s modified by another user: expected version %d, found %d",
		e.ID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// RevertBlockedError carries every reason the last transition cannot be
// reverted, so a UI can surface all of them in one message.
type RevertBlockedError struct {
	ID       AllocationID
	Blockers []string
}

func (e *RevertBlockedError) Error() string {
	return "Cannot revert: " + strings.Join(e.Blockers, "; ")
}

func (e *RevertBlockedError) Unwrap() error { return ErrRevertNotAllowed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call might succeed if repeated
// (after a refetch for version conflicts).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is a business conflict rather
// than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrRevertNotAllowed) ||
		errors.Is(err, ErrNoTransitionToRevert) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing allocation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
