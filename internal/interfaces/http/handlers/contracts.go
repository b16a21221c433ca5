package handlers

import (
	"time"

	"github.com/sawpanic/bookagg/internal/book"
	"github.com/sawpanic/bookagg/internal/engine"
	"github.com/sawpanic/bookagg/internal/microstructure"
	"github.com/sawpanic/bookagg/internal/selector"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports stream and book freshness
type HealthResponse struct {
	Status        string             `json:"status"` // healthy, degraded
	Timestamp     time.Time          `json:"timestamp"`
	Version       string             `json:"version"`
	Stream        string             `json:"stream"`
	Exchanges     int                `json:"exchanges"`
	Stale         []string           `json:"stale"`
	NeedsSnapshot []string           `json:"needs_snapshot"`
	Drops         map[string]float64 `json:"drops"`
}

// BookResponse is one exchange book with its registry metadata
type BookResponse struct {
	Book          *book.ExchangeBook `json:"book"`
	Group         string             `json:"group"`
	LastUpdate    time.Time          `json:"last_update"`
	Stale         bool               `json:"stale"`
	NeedsSnapshot bool               `json:"needs_snapshot"`
}

// BooksResponse lists every known book from one snapshot
type BooksResponse struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   uint64         `json:"version"`
	Count     int            `json:"count"`
	Books     []BookResponse `json:"books"`
}

// StatsResponse carries top-of-book statistics and, when requested, depth
// around mid
type StatsResponse struct {
	Timestamp time.Time                   `json:"timestamp"`
	Stats     microstructure.Stats        `json:"stats"`
	Depth     *microstructure.DepthResult `json:"depth,omitempty"`
	Stale     bool                        `json:"stale"`
}

// AggregateResponse is a consolidated book over the selected exchanges
type AggregateResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Market    string    `json:"market,omitempty"`
	engine.View
}

// ExchangesResponse lists exchanges in display order with their groups
type ExchangesResponse struct {
	Timestamp time.Time               `json:"timestamp"`
	Market    string                  `json:"market"`
	Markets   []selector.MarketFilter `json:"markets"`
	Exchanges []selector.Membership   `json:"exchanges"`
}
