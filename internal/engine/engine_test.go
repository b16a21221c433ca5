package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bookagg/internal/aggregate"
	"github.com/sawpanic/bookagg/internal/book"
	"github.com/sawpanic/bookagg/internal/metrics"
	"github.com/sawpanic/bookagg/internal/registry"
	"github.com/sawpanic/bookagg/internal/selector"
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

func seed(t *testing.T, reg *registry.Registry, id string, bids, asks []book.Quote) {
	t.Helper()
	b, err := book.FromQuotes(id, bids, asks)
	require.NoError(t, err)
	reg.Upsert(id, b)
}

func newEngine(t *testing.T) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	seed(t, reg, "binance:spot", quotes("100", "5", "99", "1"), quotes("101", "2"))
	seed(t, reg, "kraken:spot", quotes("100", "3"), quotes("101.5", "1"))
	seed(t, reg, "bybit:perp", quotes("98", "10"), quotes("102", "4"))
	e, err := New(reg, nil, nil, aggregate.Options{})
	require.NoError(t, err)
	return e, reg
}

func TestStats(t *testing.T) {
	e, _ := newEngine(t)

	st, err := e.Stats("binance:spot")
	require.NoError(t, err)
	assert.Equal(t, "100", st.BestBid.Decimal.String())
	assert.Equal(t, "1", st.Spread.Decimal.String())

	_, err = e.Stats("missing")
	assert.ErrorIs(t, err, ErrUnknownExchange)
}

func TestAggregateSumsSharedPrice(t *testing.T) {
	e, _ := newEngine(t)

	merged := e.Aggregate([]string{"binance:spot", "kraken:spot", "unknown"})
	assert.Equal(t, book.AggregateID, merged.ExchangeID)
	require.Len(t, merged.Bids, 2)
	assert.Equal(t, "100", merged.Bids[0].Price.String())
	assert.Equal(t, "8", merged.Bids[0].Quantity.String())
	assert.Equal(t, "8", merged.Bids[0].Cumulative.String())
	assert.Equal(t, "9", merged.Bids[1].Cumulative.String())
	require.NoError(t, merged.Validate())
}

func TestAggregateEmptySelection(t *testing.T) {
	e, _ := newEngine(t)

	merged := e.Aggregate(nil)
	assert.Empty(t, merged.Bids)
	assert.Empty(t, merged.Asks)

	view, err := e.AggregateIDs([]string{"nope"}, aggregate.Options{})
	require.NoError(t, err)
	assert.Empty(t, view.Exchanges)
	assert.False(t, view.Stats.MidPrice.Valid)
	assert.Equal(t, "50", view.Stats.Imbalance.BidPercentage.String())
}

func TestAggregateMarket(t *testing.T) {
	e, _ := newEngine(t)

	view, err := e.AggregateMarket("spot", aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"binance:spot", "kraken:spot"}, view.Exchanges)
	assert.Equal(t, "8", view.Book.Bids[0].Quantity.String())

	all, err := e.AggregateMarket(selector.All, aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"binance:spot", "kraken:spot", "bybit:perp"}, all.Exchanges)

	_, err = e.AggregateMarket("options", aggregate.Options{})
	assert.ErrorIs(t, err, selector.ErrUnknownMarket)

	_, err = e.AggregateMarket(selector.All, aggregate.Options{Tick: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, aggregate.ErrInvalidTick)
}

func TestAggregateIDsWithTick(t *testing.T) {
	e, _ := newEngine(t)

	view, err := e.AggregateIDs([]string{"binance:spot", "kraken:spot", "binance:spot"}, aggregate.Options{Tick: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"binance:spot", "kraken:spot"}, view.Exchanges)
	// bids floor to the tick: 99 lands in the 98 bucket
	require.Len(t, view.Book.Bids, 2)
	assert.Equal(t, "100", view.Book.Bids[0].Price.String())
	assert.Equal(t, "98", view.Book.Bids[1].Price.String())
	// 101 and 101.5 ceil to 102
	require.Len(t, view.Book.Asks, 1)
	assert.Equal(t, "102", view.Book.Asks[0].Price.String())
	assert.Equal(t, "3", view.Book.Asks[0].Quantity.String())
	assert.Equal(t, "2", view.Tick)
}

func TestExchanges(t *testing.T) {
	e, _ := newEngine(t)

	got, err := e.Exchanges(selector.All)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, selector.Membership{ExchangeID: "bybit:perp", Group: "perp"}, got[2])

	perps, err := e.Exchanges("perp")
	require.NoError(t, err)
	assert.Len(t, perps, 1)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCheckStalenessUpdatesGauge(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	reg := registry.New(registry.WithClock(clock.Now), registry.WithLivenessWindow(10*time.Second))
	seed(t, reg, "binance:spot", quotes("100", "1"), quotes("101", "1"))

	promReg := prometheus.NewRegistry()
	e, err := New(reg, nil, metrics.New(promReg), aggregate.Options{})
	require.NoError(t, err)

	last := e.checkStaleness("")
	assert.Equal(t, "", last)

	clock.Advance(11 * time.Second)
	last = e.checkStaleness(last)
	assert.Equal(t, "binance:spot", last)

	families, err := promReg.Gather()
	require.NoError(t, err)
	var stale float64 = -1
	for _, f := range families {
		if f.GetName() == "bookagg_stale_exchanges" {
			stale = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), stale)
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(nil, nil, nil, aggregate.Options{})
	assert.Error(t, err)
}
