package microstructure

import (
	"github.com/shopspring/decimal"

	"github.com/sawpanic/bookagg/internal/book"
)

// BestBid returns the highest bid price, or false when there are no bids.
func BestBid(b *book.ExchangeBook) (decimal.Decimal, bool) {
	if b == nil || len(b.Bids) == 0 {
		return decimal.Decimal{}, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, or false when there are no asks.
func BestAsk(b *book.ExchangeBook) (decimal.Decimal, bool) {
	if b == nil || len(b.Asks) == 0 {
		return decimal.Decimal{}, false
	}
	return b.Asks[0].Price, true
}

func touch(b *book.ExchangeBook) (bid, ask decimal.Decimal, ok bool) {
	bid, okBid := BestBid(b)
	ask, okAsk := BestAsk(b)
	return bid, ask, okBid && okAsk
}

// Spread returns bestAsk - bestBid; undefined unless both sides are present.
func Spread(b *book.ExchangeBook) (decimal.Decimal, bool) {
	bid, ask, ok := touch(b)
	if !ok {
		return decimal.Decimal{}, false
	}
	return ask.Sub(bid), true
}

// MidPrice returns (bestBid + bestAsk) / 2; undefined unless both sides are present.
func MidPrice(b *book.ExchangeBook) (decimal.Decimal, bool) {
	bid, ask, ok := touch(b)
	if !ok {
		return decimal.Decimal{}, false
	}
	return bid.Add(ask).Div(two), true
}

// SpreadBps returns the spread relative to mid in basis points.
func SpreadBps(b *book.ExchangeBook) (decimal.Decimal, bool) {
	spread, ok := Spread(b)
	if !ok {
		return decimal.Decimal{}, false
	}
	mid, _ := MidPrice(b)
	if !mid.IsPositive() {
		return decimal.Decimal{}, false
	}
	return spread.Mul(bpsUnit).Div(mid), true
}
