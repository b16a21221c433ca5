package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func q(price, qty string) Quote { return Quote{Price: d(price), Quantity: d(qty)} }

func assertInvariants(t *testing.T, b *ExchangeBook) {
	t.Helper()
	require.NoError(t, b.Validate())
	for _, s := range []Side{Bid, Ask} {
		levels := b.Side(s)
		for i := 1; i < len(levels); i++ {
			assert.True(t, levels[i].Cumulative.GreaterThanOrEqual(levels[i-1].Cumulative))
			assert.True(t, levels[i].Cumulative.Sub(levels[i-1].Cumulative).Equal(levels[i].Quantity))
		}
	}
}

func TestDepth_ReplaceOrdersSides(t *testing.T) {
	dp := NewDepth(0)
	require.NoError(t, dp.Replace(
		[]Quote{q("99", "1"), q("101", "2"), q("100", "3")},
		[]Quote{q("105", "1"), q("103", "2"), q("104", "0")},
	))

	b := dp.Freeze("exA", time.Time{})
	assertInvariants(t, b)

	require.Len(t, b.Bids, 3)
	assert.Equal(t, "101", b.Bids[0].Price.String())
	assert.Equal(t, "100", b.Bids[1].Price.String())
	assert.Equal(t, "99", b.Bids[2].Price.String())
	assert.Equal(t, "6", b.Bids[2].Cumulative.String())

	// zero-quantity snapshot levels are skipped
	require.Len(t, b.Asks, 2)
	assert.Equal(t, "103", b.Asks[0].Price.String())
	assert.Equal(t, "3", b.Asks[1].Cumulative.String())
}

func TestDepth_ApplyRemovesLevel(t *testing.T) {
	dp := NewDepth(0)
	require.NoError(t, dp.Replace([]Quote{q("101", "1"), q("100", "2"), q("99", "4")}, nil))

	require.NoError(t, dp.Apply([]Change{{Side: Bid, Price: d("100"), Quantity: decimal.Zero}}))

	b := dp.Freeze("exA", time.Time{})
	assertInvariants(t, b)
	require.Len(t, b.Bids, 2)
	assert.Equal(t, "99", b.Bids[1].Price.String())
	assert.Equal(t, "5", b.Bids[1].Cumulative.String())
}

func TestDepth_ApplyIsIdempotent(t *testing.T) {
	dp := NewDepth(0)
	require.NoError(t, dp.Replace([]Quote{q("10", "1")}, []Quote{q("11", "1")}))

	change := []Change{{Side: Bid, Price: d("10"), Quantity: d("2")}}
	require.NoError(t, dp.Apply(change))
	first := dp.Freeze("exA", time.Time{})

	require.NoError(t, dp.Apply(change))
	second := dp.Freeze("exA", time.Time{})

	assert.Equal(t, first, second)
}

func TestDepth_ApplyNumericallyEqualPrices(t *testing.T) {
	dp := NewDepth(0)
	require.NoError(t, dp.Replace([]Quote{q("100.00", "1")}, nil))
	require.NoError(t, dp.Apply([]Change{{Side: Bid, Price: d("100"), Quantity: d("3")}}))

	b := dp.Freeze("exA", time.Time{})
	require.Len(t, b.Bids, 1)
	assert.Equal(t, "3", b.Bids[0].Quantity.String())
}

func TestDepth_ApplyRejectsBadTupleAtomically(t *testing.T) {
	dp := NewDepth(0)
	require.NoError(t, dp.Replace([]Quote{q("10", "1")}, nil))

	err := dp.Apply([]Change{
		{Side: Bid, Price: d("9"), Quantity: d("1")},
		{Side: Bid, Price: d("8"), Quantity: d("-1")},
	})
	require.ErrorIs(t, err, ErrInvalidLevel)

	b := dp.Freeze("exA", time.Time{})
	require.Len(t, b.Bids, 1)
}

func TestDepth_CloneIsIndependent(t *testing.T) {
	dp := NewDepth(0)
	require.NoError(t, dp.Replace([]Quote{q("10", "1")}, []Quote{q("11", "1")}))

	c := dp.Clone()
	require.NoError(t, c.Apply([]Change{{Side: Ask, Price: d("9"), Quantity: d("1")}}))

	assert.True(t, c.Crossed())
	assert.False(t, dp.Crossed())
	assert.Equal(t, 1, dp.Len(Ask))
	assert.Equal(t, 2, c.Len(Ask))
}

func TestDepth_TrimKeepsBestLevels(t *testing.T) {
	dp := NewDepth(2)
	require.NoError(t, dp.Replace(
		[]Quote{q("1", "1"), q("2", "1"), q("3", "1")},
		[]Quote{q("4", "1"), q("5", "1"), q("6", "1")},
	))

	b := dp.Freeze("exA", time.Time{})
	require.Len(t, b.Bids, 2)
	require.Len(t, b.Asks, 2)
	assert.Equal(t, "2", b.Bids[1].Price.String())
	assert.Equal(t, "5", b.Asks[1].Price.String())
}

func TestExchangeBook_ValidateCrossed(t *testing.T) {
	b, err := FromQuotes("exA", []Quote{q("10", "1")}, []Quote{q("10", "1")})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Validate(), ErrCrossedBook)
}

func TestExchangeBook_ValidateCumulative(t *testing.T) {
	b := &ExchangeBook{Bids: []Level{{Price: d("10"), Quantity: d("1"), Cumulative: d("2")}}}
	assert.ErrorIs(t, b.Validate(), ErrCumulative)

	b = &ExchangeBook{Asks: Accumulate([]Level{{Price: d("11"), Quantity: d("1")}, {Price: d("10"), Quantity: d("1")}})}
	assert.ErrorIs(t, b.Validate(), ErrUnsorted)
}

func TestParseSide(t *testing.T) {
	tests := []struct {
		in   string
		want Side
		err  bool
	}{
		{in: "bid", want: Bid},
		{in: "BUY", want: Bid},
		{in: "asks", want: Ask},
		{in: "sell", want: Ask},
		{in: "mid", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSide(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidSide)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuote_ValidateMagnitude(t *testing.T) {
	tests := []struct {
		name string
		q    Quote
		ok   bool
	}{
		{"typical", q("50000.12345678", "0.001"), true},
		{"zero quantity", q("10", "0"), true},
		{"exponent at bound", q("1e40", "1e-40"), true},
		{"huge price exponent", q("1e20000000", "1"), false},
		{"tiny quantity exponent", q("10", "1e-41"), false},
		{"too many digits", q("10", "12345678901234567890123456789012345678901"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidLevel)
		})
	}
}

func TestDepth_ReplaceRejectsOversizedValues(t *testing.T) {
	dep := NewDepth(0)
	require.NoError(t, dep.Replace([]Quote{q("10", "1")}, []Quote{q("11", "1")}))

	err := dep.Replace(nil, []Quote{q("1e20000000", "1")})
	assert.ErrorIs(t, err, ErrInvalidLevel)
	assert.Equal(t, 1, dep.Len(Ask))
}

func TestExchangeBook_CloneIsIndependent(t *testing.T) {
	b, err := FromQuotes("exA", []Quote{q("10", "1")}, []Quote{q("11", "2")})
	require.NoError(t, err)

	c := b.Clone()
	c.Bids[0].Quantity = d("99")
	c.Asks = append(c.Asks, Level{Price: d("12"), Quantity: d("1"), Cumulative: d("3")})

	assert.Equal(t, "1", b.Bids[0].Quantity.String())
	assert.Len(t, b.Asks, 1)
	assert.Nil(t, (*ExchangeBook)(nil).Clone())
}
