/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  internal domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - events.go: EventDTO for the SSE stream
*/
package api

import (
	"time"

	"github.com/railfleet/shop-engine/allocation"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// AllocationDTO represents an allocation in API responses.
type AllocationDTO struct {
	ID            string  `json:"id"`
	CarID         string  `json:"car_id"`
	ShopCode      string  `json:"shop_code"`
	Month         string  `json:"month"`
	Status        string  `json:"status"`
	EstimatedCost float64 `json:"estimated_cost"`
	ActualCost    float64 `json:"actual_cost"`
	Version       int64   `json:"version"`
	CreatedBy     string  `json:"created_by,omitempty"`
	CreatedAt     string  `json:"created_at,omitempty"`
	UpdatedAt     string  `json:"updated_at,omitempty"`
}

// CreateAllocationRequest is the request to create an allocation.
type CreateAllocationRequest struct {
	CarID         string  `json:"car_id"`
	ShopCode      string  `json:"shop_code"`
	Month         string  `json:"month"` // "YYYY-MM"
	Status        string  `json:"status,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	CreatedBy     string  `json:"created_by,omitempty"`
	Override      bool    `json:"override,omitempty"`
}

// UpdateStatusRequest is the request to move an allocation to a new status.
type UpdateStatusRequest struct {
	NewStatus       string `json:"new_status"`
	ExpectedVersion int64  `json:"expected_version"`
	Actor           string `json:"actor,omitempty"`
	Override        bool   `json:"override,omitempty"`
}

// ReassignRequest is the request to move an allocation to another shop/month.
type ReassignRequest struct {
	ShopCode        string `json:"shop_code"`
	Month           string `json:"month"`
	ExpectedVersion int64  `json:"expected_version"`
	Actor           string `json:"actor,omitempty"`
	Override        bool   `json:"override,omitempty"`
}

// RevertRequest is the request to undo the last transition.
type RevertRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// SetCapacityRequest reconfigures a shop/month total capacity.
type SetCapacityRequest struct {
	TotalCapacity int    `json:"total_capacity"`
	Actor         string `json:"actor,omitempty"`
}

// CapacityDTO represents a capacity ledger entry.
type CapacityDTO struct {
	ShopCode          string `json:"shop_code"`
	Month             string `json:"month"`
	TotalCapacity     int    `json:"total_capacity"`
	ConfirmedCount    int    `json:"confirmed_count"`
	PlannedCount      int    `json:"planned_count"`
	RemainingCapacity int    `json:"remaining_capacity"`
	Version           int64  `json:"version"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// TransitionDTO represents one entry of an allocation's status history.
type TransitionDTO struct {
	ID           string `json:"id"`
	FromStatus   string `json:"from_status"`
	ToStatus     string `json:"to_status"`
	Actor        string `json:"actor,omitempty"`
	OccurredAt   string `json:"occurred_at"`
	Reversible   bool   `json:"reversible"`
	Reverted     bool   `json:"reverted"`
	RevertedBy   string `json:"reverted_by,omitempty"`
	RevertReason string `json:"revert_reason,omitempty"`
	RevertedAt   string `json:"reverted_at,omitempty"`
}

// RevertCheckDTO answers whether the last transition can be undone.
type RevertCheckDTO struct {
	Allowed       bool     `json:"allowed"`
	PreviousState string   `json:"previous_state,omitempty"`
	TransitionID  string   `json:"transition_id,omitempty"`
	Blockers      []string `json:"blockers,omitempty"`
}

// ListAllocationsResponse carries one page plus the unpaginated total.
type ListAllocationsResponse struct {
	Items []AllocationDTO `json:"items"`
	Total int             `json:"total"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// EventDTO is the payload of a "capacity-change" SSE event.
type EventDTO struct {
	Type       string         `json:"type"`
	ShopCode   string         `json:"shopCode"`
	Month      string         `json:"month"`
	Allocation *AllocationDTO `json:"allocation,omitempty"`
	Capacity   *CapacityDTO   `json:"capacity,omitempty"`
	Timestamp  string         `json:"timestamp"`
	UserID     string         `json:"userId,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAllocationDTO(a allocation.Allocation) AllocationDTO {
	estimated, _ := a.EstimatedCost.Float64()
	actual, _ := a.ActualCost.Float64()
	return AllocationDTO{
		ID:            string(a.ID),
		CarID:         a.CarID,
		ShopCode:      string(a.ShopCode),
		Month:         a.Month.String(),
		Status:        string(a.Status),
		EstimatedCost: estimated,
		ActualCost:    actual,
		Version:       a.Version,
		CreatedBy:     a.CreatedBy,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     a.UpdatedAt.Format(time.RFC3339),
	}
}

func toCapacityDTO(c allocation.CapacityLedger) CapacityDTO {
	dto := CapacityDTO{
		ShopCode:          string(c.ShopCode),
		Month:             c.Month.String(),
		TotalCapacity:     c.TotalCapacity,
		ConfirmedCount:    c.ConfirmedCount,
		PlannedCount:      c.PlannedCount,
		RemainingCapacity: c.Remaining(),
		Version:           c.Version,
	}
	if !c.UpdatedAt.IsZero() {
		dto.UpdatedAt = c.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toTransitionDTO(tr allocation.Transition) TransitionDTO {
	dto := TransitionDTO{
		ID:           string(tr.ID),
		FromStatus:   string(tr.FromStatus),
		ToStatus:     string(tr.ToStatus),
		Actor:        tr.Actor,
		OccurredAt:   tr.OccurredAt.Format(time.RFC3339Nano),
		Reversible:   tr.Reversible,
		Reverted:     tr.Reverted,
		RevertedBy:   tr.RevertedBy,
		RevertReason: tr.RevertReason,
	}
	if tr.RevertedAt != nil {
		dto.RevertedAt = tr.RevertedAt.Format(time.RFC3339Nano)
	}
	return dto
}

func toRevertCheckDTO(c allocation.RevertCheck) RevertCheckDTO {
	return RevertCheckDTO{
		Allowed:       c.Allowed,
		PreviousState: string(c.PreviousState),
		TransitionID:  string(c.TransitionID),
		Blockers:      c.Blockers,
	}
}

func toEventDTO(ev allocation.Event) EventDTO {
	dto := EventDTO{
		Type:      string(ev.Type),
		ShopCode:  string(ev.ShopCode),
		Month:     ev.Month.String(),
		Timestamp: ev.Timestamp.Format(time.RFC3339),
		UserID:    ev.UserID,
	}
	if ev.Allocation != nil {
		a := toAllocationDTO(*ev.Allocation)
		dto.Allocation = &a
	}
	if ev.Capacity != nil {
		c := toCapacityDTO(*ev.Capacity)
		dto.Capacity = &c
	}
	return dto
}
