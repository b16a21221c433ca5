package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bookagg/internal/engine"
)

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored by WithRequestID, or "unknown".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// Deps are the read-side services the handlers query.
type Deps struct {
	Engine      *engine.Engine
	StreamState func() string             // nil reports "offline"
	DropTotals  func() map[string]float64 // nil reports no drops
	Version     string
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	engine     *engine.Engine
	state      func() string
	dropTotals func() map[string]float64
	version    string
	now        func() time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		engine:     d.Engine,
		state:      d.StreamState,
		dropTotals: d.DropTotals,
		version:    d.Version,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if h.state == nil {
		h.state = func() string { return "offline" }
	}
	if h.dropTotals == nil {
		h.dropTotals = func() map[string]float64 { return map[string]float64{} }
	}
	return h
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: h.now(),
	})
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// MethodNotAllowed handles 405 responses
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		"Only GET is supported")
}
