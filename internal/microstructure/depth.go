package microstructure

import (
	"github.com/shopspring/decimal"

	"github.com/sawpanic/bookagg/internal/book"
)

// Imbalance is the share of resting quantity on the bid side.
type Imbalance struct {
	TotalBidsQty  decimal.Decimal `json:"totalBidsQty"`
	TotalAsksQty  decimal.Decimal `json:"totalAsksQty"`
	BidPercentage decimal.Decimal `json:"bidPercentage"`
}

// ComputeImbalance sums quantity over all levels of each side. BidPercentage
// is 50 when both sides are empty.
func ComputeImbalance(b *book.ExchangeBook) Imbalance {
	im := Imbalance{
		TotalBidsQty:  decimal.Zero,
		TotalAsksQty:  decimal.Zero,
		BidPercentage: decimal.NewFromInt(50),
	}
	if b == nil {
		return im
	}
	im.TotalBidsQty = sideTotal(b.Bids)
	im.TotalAsksQty = sideTotal(b.Asks)

	total := im.TotalBidsQty.Add(im.TotalAsksQty)
	if total.IsZero() {
		return im
	}
	im.BidPercentage = im.TotalBidsQty.Div(total).Mul(hundred)
	return im
}

func sideTotal(levels []book.Level) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Quantity)
	}
	return total
}

// DepthResult is the notional resting within a band around mid.
type DepthResult struct {
	Band        decimal.Decimal `json:"band"`
	BidBound    decimal.Decimal `json:"bidBound"`
	AskBound    decimal.Decimal `json:"askBound"`
	BidNotional decimal.Decimal `json:"bidNotional"`
	AskNotional decimal.Decimal `json:"askNotional"`
	BidLevels   int             `json:"bidLevels"`
	AskLevels   int             `json:"askLevels"`
}

// DepthWithin sums price*quantity for levels within ±band of mid (band 0.02 = ±2%).
// It returns false when mid is undefined.
func DepthWithin(b *book.ExchangeBook, band decimal.Decimal) (DepthResult, bool) {
	mid, ok := MidPrice(b)
	if !ok {
		return DepthResult{}, false
	}
	one := decimal.NewFromInt(1)
	res := DepthResult{
		Band:        band,
		BidBound:    mid.Mul(one.Sub(band)),
		AskBound:    mid.Mul(one.Add(band)),
		BidNotional: decimal.Zero,
		AskNotional: decimal.Zero,
	}
	for _, lvl := range b.Bids {
		if lvl.Price.LessThan(res.BidBound) {
			break
		}
		res.BidNotional = res.BidNotional.Add(lvl.Price.Mul(lvl.Quantity))
		res.BidLevels++
	}
	for _, lvl := range b.Asks {
		if lvl.Price.GreaterThan(res.AskBound) {
			break
		}
		res.AskNotional = res.AskNotional.Add(lvl.Price.Mul(lvl.Quantity))
		res.AskLevels++
	}
	return res, true
}
