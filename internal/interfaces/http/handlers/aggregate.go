package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/bookagg/internal/aggregate"
	"github.com/sawpanic/bookagg/internal/engine"
	"github.com/sawpanic/bookagg/internal/selector"
)

// Aggregate handles GET /aggregate. Exchanges are chosen either by an
// explicit comma-separated exchanges list or by market filter; market
// defaults to all.
func (h *Handlers) Aggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := h.engine.Defaults()
	if v := strings.TrimSpace(q.Get("tick")); v != "" {
		tick, err := decimal.NewFromString(v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_tick", "tick must be a decimal")
			return
		}
		opts.Tick = tick
	}

	var (
		view engine.View
		err  error
	)
	market := ""
	if raw := strings.TrimSpace(q.Get("exchanges")); raw != "" {
		view, err = h.engine.AggregateIDs(splitList(raw), opts)
	} else {
		market = q.Get("market")
		if market == "" {
			market = string(selector.All)
		}
		view, err = h.engine.AggregateMarket(selector.MarketFilter(market), opts)
	}

	switch {
	case errors.Is(err, aggregate.ErrInvalidTick):
		h.writeError(w, r, http.StatusBadRequest, "invalid_tick", err.Error())
		return
	case errors.Is(err, selector.ErrUnknownMarket):
		h.writeError(w, r, http.StatusBadRequest, "unknown_market", err.Error())
		return
	case err != nil:
		h.writeError(w, r, http.StatusInternalServerError, "aggregate_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, AggregateResponse{
		Timestamp: h.now(),
		Market:    market,
		View:      view,
	})
}

// Exchanges handles GET /exchanges
func (h *Handlers) Exchanges(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		market = string(selector.All)
	}
	members, err := h.engine.Exchanges(selector.MarketFilter(market))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "unknown_market", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, ExchangesResponse{
		Timestamp: h.now(),
		Market:    strings.ToLower(market),
		Markets:   h.engine.Selector().Filters(),
		Exchanges: members,
	})
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
