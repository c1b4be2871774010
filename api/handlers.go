/*
handlers.go - HTTP API handlers for the shop capacity allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Allocations:
    GET    /api/allocations                   List with filters + pagination
    POST   /api/allocations                   Create allocation
    GET    /api/allocations/{id}              Get allocation
    DELETE /api/allocations/{id}              Delete allocation
    POST   /api/allocations/{id}/status       Update status (optimistic version)
    POST   /api/allocations/{id}/reassign     Move to another shop/month
    POST   /api/allocations/{id}/revert       Undo the last transition
    GET    /api/allocations/{id}/revert       Revert eligibility check
    GET    /api/allocations/{id}/transitions  Status history (audit)

  Capacity:
    GET    /api/capacity/{shop}/{month}       Ledger entry for a pair
    PUT    /api/capacity/{shop}/{month}       Set total capacity

  Events:
    GET    /api/events                        SSE capacity-change stream

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Allocation not found
  - 409: Version conflict, capacity exceeded, revert blocked
  - 503: Store unavailable (caller may retry the whole call)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - events.go: SSE stream handler
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/railfleet/shop-engine/allocation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *allocation.Engine
	Bus    *allocation.Bus
}

// NewHandler creates a new handler over the engine and its event bus.
func NewHandler(engine *allocation.Engine, bus *allocation.Bus) *Handler {
	return &Handler{Engine: engine, Bus: bus}
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// ListAllocations returns a filtered, paginated page of allocations.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := allocation.ListFilter{
		ShopCode: allocation.ShopCode(q.Get("shop_code")),
		Status:   allocation.Status(q.Get("status")),
		Search:   q.Get("search"),
	}
	if ms := q.Get("month"); ms != "" {
		month, err := allocation.ParseMonth(ms)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month filter (use YYYY-MM)", err)
			return
		}
		filter.Month = month
	}

	page := allocation.Page{
		Limit:  atoiDefault(q.Get("limit"), 0),
		Offset: atoiDefault(q.Get("offset"), 0),
	}

	result, err := h.Engine.List(r.Context(), filter, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list allocations", err)
		return
	}

	dtos := make([]AllocationDTO, len(result.Items))
	for i, a := range result.Items {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, ListAllocationsResponse{Items: dtos, Total: result.Total})
}

// GetAllocation returns a single allocation.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id := allocation.AllocationID(chi.URLParam(r, "id"))

	alloc, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*alloc))
}

// CreateAllocation creates a new allocation.
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req CreateAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	month, err := allocation.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return
	}

	alloc, err := h.Engine.Create(r.Context(), allocation.CreateInput{
		CarID:         req.CarID,
		ShopCode:      allocation.ShopCode(req.ShopCode),
		Month:         month,
		Status:        allocation.Status(req.Status),
		EstimatedCost: decimal.NewFromFloat(req.EstimatedCost),
		CreatedBy:     req.CreatedBy,
		Override:      req.Override,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(*alloc))
}

// UpdateAllocationStatus moves an allocation to a new status.
func (h *Handler) UpdateAllocationStatus(w http.ResponseWriter, r *http.Request) {
	id := allocation.AllocationID(chi.URLParam(r, "id"))

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	alloc, err := h.Engine.UpdateStatus(r.Context(), id,
		allocation.Status(req.NewStatus), req.ExpectedVersion,
		allocation.UpdateOptions{Actor: req.Actor, Override: req.Override})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*alloc))
}

// ReassignAllocation moves an allocation to another shop and/or month.
func (h *Handler) ReassignAllocation(w http.ResponseWriter, r *http.Request) {
	id := allocation.AllocationID(chi.URLParam(r, "id"))

	var req ReassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	month, err := allocation.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return
	}

	alloc, err := h.Engine.Reassign(r.Context(), id,
		allocation.ShopCode(req.ShopCode), month, req.ExpectedVersion,
		allocation.UpdateOptions{Actor: req.Actor, Override: req.Override})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*alloc))
}

// DeleteAllocation removes an allocation.
func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	id := allocation.AllocationID(chi.URLParam(r, "id"))
	actor := r.URL.Query().Get("actor")

	deleted, err := h.Engine.Delete(r.Context(), id, actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// RevertAllocation undoes the last status transition.
func (h *Handler) RevertAllocation(w http.ResponseWriter, r *http.Request) {
	id := allocation.AllocationID(chi.URLParam(r, "id"))

	var req RevertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	alloc, err := h.Engine.RevertLastTransition(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*alloc))
}

// GetRevertCheck answers revert eligibility without mutating anything.
func (h *Handler) GetRevertCheck(w http.ResponseWriter, r *http.Request) {
	id := allocation.AllocationID(chi.URLParam(r, "id"))

	check, err := h.Engine.CanRevert(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevertCheckDTO(check))
}

// GetTransitions returns the status history of an allocation, newest first.
func (h *Handler) GetTransitions(w http.ResponseWriter, r *http.Request) {
	id := allocation.AllocationID(chi.URLParam(r, "id"))

	transitions, err := h.Engine.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transitions", err)
		return
	}

	dtos := make([]TransitionDTO, len(transitions))
	for i, tr := range transitions {
		dtos[i] = toTransitionDTO(tr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": dtos})
}

// =============================================================================
// CAPACITY HANDLERS
// =============================================================================

// GetCapacity returns the ledger entry for a shop/month pair.
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	shop := allocation.ShopCode(chi.URLParam(r, "shop"))
	month, err := allocation.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return
	}

	led, err := h.Engine.ShopMonthCapacity(r.Context(), shop, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get capacity", err)
		return
	}
	writeJSON(w, http.StatusOK, toCapacityDTO(*led))
}

// SetCapacity reconfigures total capacity for a shop/month pair.
func (h *Handler) SetCapacity(w http.ResponseWriter, r *http.Request) {
	shop := allocation.ShopCode(chi.URLParam(r, "shop"))
	month, err := allocation.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return
	}

	var req SetCapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	led, err := h.Engine.SetCapacity(r.Context(), shop, month, req.TotalCapacity, req.Actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCapacityDTO(*led))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Error = message + ": " + err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine error kinds to HTTP statuses and machine
// codes so a UI can offer "retry" for version conflicts versus "choose
// another shop" for capacity errors.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, allocation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, allocation.ErrCapacityExceeded):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "capacity_exceeded"})
	case errors.Is(err, allocation.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "version_conflict"})
	case errors.Is(err, allocation.ErrRevertNotAllowed):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "revert_not_allowed"})
	case errors.Is(err, allocation.ErrNoTransitionToRevert):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "no_transition"})
	case errors.Is(err, allocation.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "unavailable"})
	case errors.Is(err, allocation.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_input"})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
