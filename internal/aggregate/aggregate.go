// Package aggregate merges several exchange books into one consolidated book.
package aggregate

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/bookagg/internal/book"
)

// ErrInvalidTick is returned for a negative tick size
var ErrInvalidTick = errors.New("tick size must not be negative")

// Options controls price bucketing. A zero Tick merges on exact price.
type Options struct {
	Tick decimal.Decimal
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Tick.IsNegative() {
		return ErrInvalidTick
	}
	return nil
}

// Merge sums quantities at equal prices across books and recomputes
// cumulative depth. Nil books and empty sides contribute nothing.
func Merge(books ...*book.ExchangeBook) *book.ExchangeBook {
	return MergeWith(Options{}, books...)
}

// MergeWith is Merge with price bucketing. Bids are floored and asks are
// ceiled to the tick so a bucket never advertises a better price than any
// of its members.
func MergeWith(opts Options, books ...*book.ExchangeBook) *book.ExchangeBook {
	var latest time.Time
	for _, b := range books {
		if b != nil && b.UpdatedAt.After(latest) {
			latest = b.UpdatedAt
		}
	}
	out := &book.ExchangeBook{
		ExchangeID: book.AggregateID,
		Bids:       mergeSide(book.Bid, opts.Tick, books),
		Asks:       mergeSide(book.Ask, opts.Tick, books),
		UpdatedAt:  latest,
	}
	return out
}

func mergeSide(side book.Side, tick decimal.Decimal, books []*book.ExchangeBook) []book.Level {
	// decimal values that are numerically equal can differ in exponent, so
	// buckets are keyed by the canonical string form
	sums := make(map[string]*book.Level)
	for _, b := range books {
		if b == nil {
			continue
		}
		for _, lvl := range b.Side(side) {
			price := bucket(side, lvl.Price, tick)
			key := price.String()
			if acc, ok := sums[key]; ok {
				acc.Quantity = acc.Quantity.Add(lvl.Quantity)
				continue
			}
			sums[key] = &book.Level{Price: price, Quantity: lvl.Quantity}
		}
	}

	levels := make([]book.Level, 0, len(sums))
	for _, lvl := range sums {
		if lvl.Quantity.IsPositive() {
			levels = append(levels, *lvl)
		}
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == book.Bid {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return book.Accumulate(levels)
}

func bucket(side book.Side, price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if side == book.Bid {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(tick)
}
