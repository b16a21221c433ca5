// Package microstructure derives top-of-book and depth statistics from an
// ExchangeBook. Every function is pure and tolerates empty sides.
package microstructure

import (
	"github.com/shopspring/decimal"

	"github.com/sawpanic/bookagg/internal/book"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
	bpsUnit = decimal.NewFromInt(10000)
)

// Stats bundles the derived statistics for one book. Undefined values are
// reported with Valid=false and encode as JSON null.
type Stats struct {
	ExchangeID string              `json:"exchangeId"`
	BestBid    decimal.NullDecimal `json:"bestBid"`
	BestAsk    decimal.NullDecimal `json:"bestAsk"`
	Spread     decimal.NullDecimal `json:"spread"`
	SpreadBps  decimal.NullDecimal `json:"spreadBps"`
	MidPrice   decimal.NullDecimal `json:"midPrice"`
	Imbalance  Imbalance           `json:"imbalance"`
	BidLevels  int                 `json:"bidLevels"`
	AskLevels  int                 `json:"askLevels"`
}

// Compute evaluates every statistic for b.
func Compute(b *book.ExchangeBook) Stats {
	st := Stats{
		BestBid:   null(BestBid(b)),
		BestAsk:   null(BestAsk(b)),
		Spread:    null(Spread(b)),
		SpreadBps: null(SpreadBps(b)),
		MidPrice:  null(MidPrice(b)),
		Imbalance: ComputeImbalance(b),
	}
	if b != nil {
		st.ExchangeID = b.ExchangeID
		st.BidLevels = len(b.Bids)
		st.AskLevels = len(b.Asks)
	}
	return st
}

func null(v decimal.Decimal, ok bool) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: v, Valid: ok}
}
