/*
events.go - Server-Sent Events stream of live capacity changes

PURPOSE:
  Streams every post-commit engine event to connected clients so shop
  capacity dashboards update without polling. Each client gets its own
  buffered subscription; a slow client loses its oldest undelivered
  events rather than stalling the engine or other clients.

WIRE FORMAT:
  One "connected" event on open (so clients can confirm the stream is
  live), then one "capacity-change" event per engine event, each with an
  EventDTO JSON payload.

SEE ALSO:
  - dto.go: EventDTO payload shape
  - allocation/bus.go: subscription and overflow semantics
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamEvents handles GET /api/events. It holds the connection open and
// forwards bus events until the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subID, events := h.Bus.Subscribe()
	defer h.Bus.Unsubscribe(subID)

	fmt.Fprintf(w, "event: connected\ndata: {\"subscriber\":%q}\n\n", subID)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(toEventDTO(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: capacity-change\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
