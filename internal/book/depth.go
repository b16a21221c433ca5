package book

import (
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const ladderDegree = 16

type rung struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// ladder keeps one side ordered best-first.
type ladder struct {
	side Side
	tree *btree.BTreeG[rung]
}

func newLadder(side Side) *ladder {
	return &ladder{
		side: side,
		tree: btree.NewG(ladderDegree, func(a, b rung) bool { return side.better(a.price, b.price) }),
	}
}

func (l *ladder) set(price, qty decimal.Decimal) {
	if qty.IsZero() {
		l.tree.Delete(rung{price: price})
		return
	}
	l.tree.ReplaceOrInsert(rung{price: price, qty: qty})
}

func (l *ladder) trim(maxDepth int) {
	if maxDepth <= 0 {
		return
	}
	for l.tree.Len() > maxDepth {
		l.tree.DeleteMax()
	}
}

func (l *ladder) levels() []Level {
	out := make([]Level, 0, l.tree.Len())
	running := decimal.Zero
	l.tree.Ascend(func(r rung) bool {
		running = running.Add(r.qty)
		out = append(out, Level{Price: r.price, Quantity: r.qty, Cumulative: running})
		return true
	})
	return out
}

func (l *ladder) best() (decimal.Decimal, bool) {
	r, ok := l.tree.Min()
	return r.price, ok
}

// Depth is the writer-side mutable state of one exchange book. It is not safe
// for concurrent use; readers only ever see the ExchangeBook values it freezes.
type Depth struct {
	bids     *ladder
	asks     *ladder
	maxDepth int
}

// NewDepth creates an empty book bounded to maxDepth levels per side (0 = unbounded).
func NewDepth(maxDepth int) *Depth {
	return &Depth{bids: newLadder(Bid), asks: newLadder(Ask), maxDepth: maxDepth}
}

func (d *Depth) ladder(s Side) *ladder {
	if s == Bid {
		return d.bids
	}
	return d.asks
}

// Clone returns an independent copy. The underlying trees are copied lazily.
func (d *Depth) Clone() *Depth {
	return &Depth{
		bids:     &ladder{side: Bid, tree: d.bids.tree.Clone()},
		asks:     &ladder{side: Ask, tree: d.asks.tree.Clone()},
		maxDepth: d.maxDepth,
	}
}

// Replace discards both sides and loads the given quotes.
func (d *Depth) Replace(bids, asks []Quote) error {
	for _, q := range bids {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	for _, q := range asks {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	d.bids = newLadder(Bid)
	d.asks = newLadder(Ask)
	for _, q := range bids {
		d.bids.set(q.Price, q.Quantity)
	}
	for _, q := range asks {
		d.asks.set(q.Price, q.Quantity)
	}
	d.bids.trim(d.maxDepth)
	d.asks.trim(d.maxDepth)
	return nil
}

// Apply upserts or removes each change in order. Changes are validated before
// anything is touched so a bad tuple leaves the book as it was.
func (d *Depth) Apply(changes []Change) error {
	for _, c := range changes {
		if err := (Quote{Price: c.Price, Quantity: c.Quantity}).Validate(); err != nil {
			return err
		}
		if c.Side != Bid && c.Side != Ask {
			return ErrInvalidSide
		}
	}
	for _, c := range changes {
		d.ladder(c.Side).set(c.Price, c.Quantity)
	}
	d.bids.trim(d.maxDepth)
	d.asks.trim(d.maxDepth)
	return nil
}

// Crossed reports whether the best bid is at or above the best ask.
func (d *Depth) Crossed() bool {
	bid, okBid := d.bids.best()
	ask, okAsk := d.asks.best()
	return okBid && okAsk && !bid.LessThan(ask)
}

// Len returns the number of levels on side s.
func (d *Depth) Len(s Side) int {
	return d.ladder(s).tree.Len()
}

// Freeze materializes the current state with cumulative depth recomputed.
func (d *Depth) Freeze(exchangeID string, at time.Time) *ExchangeBook {
	return &ExchangeBook{
		ExchangeID: exchangeID,
		Bids:       d.bids.levels(),
		Asks:       d.asks.levels(),
		UpdatedAt:  at,
	}
}
