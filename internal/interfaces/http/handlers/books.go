package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/bookagg/internal/microstructure"
	"github.com/sawpanic/bookagg/internal/registry"
)

// Books handles GET /books
func (h *Handlers) Books(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	ids := h.engine.SortByGroup(snap.IDs())

	resp := BooksResponse{
		Timestamp: h.now(),
		Version:   snap.Version(),
		Count:     len(ids),
		Books:     make([]BookResponse, 0, len(ids)),
	}
	for _, id := range ids {
		resp.Books = append(resp.Books, h.bookResponse(snap, id))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Book handles GET /books/{exchange}
func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["exchange"]
	snap := h.engine.Snapshot()
	if _, ok := snap.Entry(id); !ok {
		h.writeError(w, r, http.StatusNotFound, "exchange_not_found",
			"No book has been received for exchange "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, h.bookResponse(snap, id))
}

func (h *Handlers) bookResponse(snap registry.Snapshot, id string) BookResponse {
	e, _ := snap.Entry(id)
	group, _ := h.engine.Selector().GroupOf(id)
	return BookResponse{
		Book:          e.Book,
		Group:         group,
		LastUpdate:    e.UpdatedAt,
		Stale:         snap.IsStale(id),
		NeedsSnapshot: e.NeedsSnapshot,
	}
}

// Stats handles GET /books/{exchange}/stats with an optional band query
// parameter (0.02 = ±2% of mid) for depth.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["exchange"]

	var band decimal.Decimal
	if v := strings.TrimSpace(r.URL.Query().Get("band")); v != "" {
		var err error
		band, err = decimal.NewFromString(v)
		if err != nil || band.IsNegative() || band.GreaterThan(decimal.NewFromInt(1)) {
			h.writeError(w, r, http.StatusBadRequest, "invalid_band",
				"band must be a decimal between 0 and 1")
			return
		}
	}

	snap := h.engine.Snapshot()
	b, ok := snap.Book(id)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "exchange_not_found",
			"No book has been received for exchange "+id)
		return
	}

	resp := StatsResponse{
		Timestamp: h.now(),
		Stats:     microstructure.Compute(b),
		Stale:     snap.IsStale(id),
	}
	if !band.IsZero() {
		if depth, ok := microstructure.DepthWithin(b, band); ok {
			resp.Depth = &depth
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}
