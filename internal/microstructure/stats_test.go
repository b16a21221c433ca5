package microstructure

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bookagg/internal/book"
)

func quotes(pairs ...string) []book.Quote {
	out := make([]book.Quote, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, book.Quote{
			Price:    decimal.RequireFromString(pairs[i]),
			Quantity: decimal.RequireFromString(pairs[i+1]),
		})
	}
	return out
}

func mustBook(t *testing.T, bids, asks []book.Quote) *book.ExchangeBook {
	t.Helper()
	b, err := book.FromQuotes("exA", bids, asks)
	require.NoError(t, err)
	return b
}

func TestSpreadAndMid(t *testing.T) {
	b := mustBook(t, quotes("10", "2"), quotes("11", "1"))

	spread, ok := Spread(b)
	require.True(t, ok)
	assert.Equal(t, "1", spread.String())

	mid, ok := MidPrice(b)
	require.True(t, ok)
	assert.Equal(t, "10.5", mid.String())

	bps, ok := SpreadBps(b)
	require.True(t, ok)
	assert.True(t, bps.Round(4).Equal(decimal.RequireFromString("952.381")))
}

func TestOneSidedBook(t *testing.T) {
	b := mustBook(t, quotes("100", "3", "99", "1"), nil)

	st := Compute(b)
	assert.True(t, st.BestBid.Valid)
	assert.Equal(t, "100", st.BestBid.Decimal.String())
	assert.False(t, st.BestAsk.Valid)
	assert.False(t, st.Spread.Valid)
	assert.False(t, st.MidPrice.Valid)
	assert.False(t, st.SpreadBps.Valid)
	assert.Equal(t, "4", st.Imbalance.TotalBidsQty.String())
	assert.Equal(t, "100", st.Imbalance.BidPercentage.String())
}

func TestImbalanceDefaults(t *testing.T) {
	im := ComputeImbalance(book.Empty("exA"))
	assert.True(t, im.TotalBidsQty.IsZero())
	assert.True(t, im.TotalAsksQty.IsZero())
	assert.Equal(t, "50", im.BidPercentage.String())

	assert.Equal(t, "50", ComputeImbalance(nil).BidPercentage.String())
}

func TestImbalanceUsesAllLevels(t *testing.T) {
	b := mustBook(t, quotes("10", "1", "9", "2"), quotes("11", "1"))

	im := ComputeImbalance(b)
	assert.Equal(t, "3", im.TotalBidsQty.String())
	assert.Equal(t, "1", im.TotalAsksQty.String())
	assert.Equal(t, "75", im.BidPercentage.String())
}

func TestStatsJSONEncodesMissingAsNull(t *testing.T) {
	raw, err := json.Marshal(Compute(book.Empty("exA")))
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Nil(t, out["bestBid"])
	assert.Nil(t, out["midPrice"])
	assert.Equal(t, "exA", out["exchangeId"])
}

func TestDepthWithin(t *testing.T) {
	b := mustBook(t,
		quotes("100", "1", "99", "1", "90", "5"),
		quotes("102", "2", "103", "1", "120", "9"),
	)

	res, ok := DepthWithin(b, decimal.RequireFromString("0.02"))
	require.True(t, ok)
	assert.Equal(t, 2, res.BidLevels)
	assert.Equal(t, 2, res.AskLevels)
	assert.Equal(t, "199", res.BidNotional.String())
	assert.Equal(t, "307", res.AskNotional.String())

	_, ok = DepthWithin(book.Empty("exB"), decimal.RequireFromString("0.02"))
	assert.False(t, ok)
}
