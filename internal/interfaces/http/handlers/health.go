package handlers

import (
	"net/http"
)

// Health handles GET /health endpoint
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()

	var pending []string
	for _, id := range snap.IDs() {
		if e, _ := snap.Entry(id); e.NeedsSnapshot {
			pending = append(pending, id)
		}
	}
	stale := snap.Stale()
	if stale == nil {
		stale = []string{}
	}
	if pending == nil {
		pending = []string{}
	}

	state := h.state()
	status := "healthy"
	if state != "open" || len(stale) > 0 || len(pending) > 0 {
		status = "degraded"
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Timestamp:     h.now(),
		Version:       h.version,
		Stream:        state,
		Exchanges:     snap.Len(),
		Stale:         stale,
		NeedsSnapshot: pending,
		Drops:         h.dropTotals(),
	})
}
