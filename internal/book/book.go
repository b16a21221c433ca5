// Package book holds the normalized order-book model shared by the stream
// client, the registry and the aggregator.
package book

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AggregateID is the exchange id carried by consolidated books.
const AggregateID = "aggregate"

var (
	// ErrCrossedBook is returned when the best bid is not below the best ask
	ErrCrossedBook = errors.New("crossed book")
	// ErrUnsorted is returned when a side is not strictly ordered best-to-worst
	ErrUnsorted = errors.New("side not strictly ordered")
	// ErrCumulative is returned when cumulative depth does not match quantities
	ErrCumulative = errors.New("cumulative depth mismatch")
	// ErrInvalidSide is returned for an unrecognized side tag
	ErrInvalidSide = errors.New("invalid side")
	// ErrInvalidLevel is returned for a non-positive price or negative quantity
	ErrInvalidLevel = errors.New("invalid level")
)

// Side identifies one side of a book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// ParseSide accepts the usual feed spellings for each side.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid", "bids", "buy", "b":
		return Bid, nil
	case "ask", "asks", "sell", "offer", "a", "s":
		return Ask, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// better reports whether price a ranks ahead of price b on side s.
func (s Side) better(a, b decimal.Decimal) bool {
	if s == Bid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Level is one price level on one side of a book.
type Level struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// Quote is a price/quantity pair as received from a feed, before ordering.
type Quote struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Change is one side-qualified level upsert; a zero quantity removes the price.
type Change struct {
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Bounds on the decimal representation of feed values. Anything wider is
// rejected before it reaches a ladder.
const (
	MaxExponent = 40
	MaxDigits   = 40
)

func checkMagnitude(field string, v decimal.Decimal) error {
	if exp := v.Exponent(); exp > MaxExponent || exp < -MaxExponent {
		return fmt.Errorf("%w: %s exponent %d out of range", ErrInvalidLevel, field, exp)
	}
	if n := v.NumDigits(); n > MaxDigits {
		return fmt.Errorf("%w: %s has %d digits", ErrInvalidLevel, field, n)
	}
	return nil
}

// Validate checks the price is positive, the quantity is not negative and
// both fit the magnitude bounds.
func (q Quote) Validate() error {
	if err := checkMagnitude("price", q.Price); err != nil {
		return err
	}
	if err := checkMagnitude("quantity", q.Quantity); err != nil {
		return err
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidLevel, q.Price)
	}
	if q.Quantity.IsNegative() {
		return fmt.Errorf("%w: quantity %s at %s", ErrInvalidLevel, q.Quantity, q.Price)
	}
	return nil
}

// ExchangeBook is an immutable view of one exchange's book. Values published
// to the registry are never mutated afterwards.
type ExchangeBook struct {
	ExchangeID string    `json:"exchangeId"`
	Bids       []Level   `json:"bids"`
	Asks       []Level   `json:"asks"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Empty returns a book with no levels on either side.
func Empty(exchangeID string) *ExchangeBook {
	return &ExchangeBook{ExchangeID: exchangeID, Bids: []Level{}, Asks: []Level{}}
}

// Clone returns a deep copy that the caller may modify freely.
func (b *ExchangeBook) Clone() *ExchangeBook {
	if b == nil {
		return nil
	}
	out := *b
	out.Bids = append(make([]Level, 0, len(b.Bids)), b.Bids...)
	out.Asks = append(make([]Level, 0, len(b.Asks)), b.Asks...)
	return &out
}

// Side returns the levels for s.
func (b *ExchangeBook) Side(s Side) []Level {
	if s == Bid {
		return b.Bids
	}
	return b.Asks
}

// Validate checks ordering, uniqueness, cumulative depth and that the book is not crossed.
func (b *ExchangeBook) Validate() error {
	for _, s := range []Side{Bid, Ask} {
		levels := b.Side(s)
		running := decimal.Zero
		for i, lvl := range levels {
			if i > 0 && !s.better(levels[i-1].Price, lvl.Price) {
				return fmt.Errorf("%w: %s %s after %s", ErrUnsorted, s, lvl.Price, levels[i-1].Price)
			}
			running = running.Add(lvl.Quantity)
			if !running.Equal(lvl.Cumulative) {
				return fmt.Errorf("%w: %s level %d", ErrCumulative, s, i)
			}
		}
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && !b.Bids[0].Price.LessThan(b.Asks[0].Price) {
		return fmt.Errorf("%w: bid %s >= ask %s", ErrCrossedBook, b.Bids[0].Price, b.Asks[0].Price)
	}
	return nil
}

// Accumulate fills Cumulative in place for levels already ordered best-to-worst.
func Accumulate(levels []Level) []Level {
	running := decimal.Zero
	for i := range levels {
		running = running.Add(levels[i].Quantity)
		levels[i].Cumulative = running
	}
	return levels
}

// FromQuotes builds a normalized book from unordered quotes. Zero quantities
// are skipped and a repeated price keeps the last quantity seen.
func FromQuotes(exchangeID string, bids, asks []Quote) (*ExchangeBook, error) {
	d := NewDepth(0)
	if err := d.Replace(bids, asks); err != nil {
		return nil, err
	}
	return d.Freeze(exchangeID, time.Time{}), nil
}
