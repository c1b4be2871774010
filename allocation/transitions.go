/*
transitions.go - Append-only transition log types and revert eligibility

PURPOSE:
  Every committed status change appends one immutable Transition record,
  including the initial creation (from "none" to the initial status).
  Records are never edited except to stamp "reverted" plus the reverting
  actor and time.

WHY APPEND-ONLY?
  - Audit: every status an allocation ever held is traceable with actor
    and timestamp
  - Reversal: the most recent transition carries enough state to undo it
  - Compliance: shop-loading decisions are billing-relevant

REVERT RULES (CanRevert):
  A transition is eligible for reversal only when ALL hold:
  1. A transition exists at all
  2. It is flagged reversible
  3. It has not already been reverted
  4. The allocation still observes the state that transition produced
     (nothing else has moved it further)
  Blockers are human-readable strings so the engine can surface every
  reason at once.

SEE ALSO:
  - engine.go: calls CanRevert under the allocation row lock
  - store/sqlite: persistence of transition rows
*/
package allocation

import "time"

// EntityTypeAllocation is the only entity type this core logs transitions
// for today; the column exists so the log can serve other aggregates later.
const EntityTypeAllocation = "allocation"

// =============================================================================
// TRANSITION RECORD
// =============================================================================

type Transition struct {
	ID         TransitionID
	EntityType string
	EntityID   string
	FromStatus Status // empty for the creation transition
	ToStatus   Status
	Actor      string
	OccurredAt time.Time

	Reversible bool

	// Revert stamp; the only mutation ever applied to a stored record.
	Reverted     bool
	RevertedBy   string
	RevertReason string
	RevertedAt   *time.Time
}

// =============================================================================
// REVERT ELIGIBILITY
// =============================================================================

// RevertCheck is the answer to "may the last transition be undone?".
type RevertCheck struct {
	Allowed       bool
	PreviousState Status
	TransitionID  TransitionID
	Blockers      []string
}

// CheckRevert evaluates revert eligibility for the last transition of an
// allocation given its currently observed status. last may be nil (no
// transition logged); the result is then disallowed with no blockers, and
// the engine reports that case as ErrNoTransitionToRevert.
func CheckRevert(last *Transition, current Status) RevertCheck {
	if last == nil {
		return RevertCheck{Allowed: false}
	}

	check := RevertCheck{
		PreviousState: last.FromStatus,
		TransitionID:  last.ID,
	}

	if !last.Reversible {
		check.Blockers = append(check.Blockers, "Transition is not reversible")
	}
	if last.Reverted {
		check.Blockers = append(check.Blockers, "Transition has already been reverted")
	}
	if last.ToStatus != current {
		check.Blockers = append(check.Blockers, "Allocation has moved to a different state")
	}

	check.Allowed = len(check.Blockers) == 0
	return check
}
