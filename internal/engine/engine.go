// Package engine is the read-side facade consumers use to query books,
// statistics and consolidated views.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bookagg/internal/aggregate"
	"github.com/sawpanic/bookagg/internal/book"
	"github.com/sawpanic/bookagg/internal/metrics"
	"github.com/sawpanic/bookagg/internal/microstructure"
	"github.com/sawpanic/bookagg/internal/registry"
	"github.com/sawpanic/bookagg/internal/selector"
)

// ErrUnknownExchange is returned when no book has been received for an id
var ErrUnknownExchange = errors.New("unknown exchange")

// Engine answers read queries from registry snapshots. It never writes.
type Engine struct {
	registry *registry.Registry
	selector *selector.Selector
	metrics  *metrics.Registry
	defaults aggregate.Options
}

// New builds an engine. A nil selector uses the default market groups and
// m may be nil.
func New(reg *registry.Registry, sel *selector.Selector, m *metrics.Registry, defaults aggregate.Options) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if sel == nil {
		var err error
		if sel, err = selector.New(nil); err != nil {
			return nil, err
		}
	}
	return &Engine{registry: reg, selector: sel, metrics: m, defaults: defaults}, nil
}

// Defaults returns the aggregation options used when a query sets none.
func (e *Engine) Defaults() aggregate.Options { return e.defaults }

// Selector returns the market selector.
func (e *Engine) Selector() *selector.Selector { return e.selector }

// Snapshot returns a consistent view of every book.
func (e *Engine) Snapshot() registry.Snapshot {
	return e.registry.Snapshot()
}

// Book returns the current book for id.
func (e *Engine) Book(id string) (*book.ExchangeBook, error) {
	b, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, id)
	}
	return b, nil
}

// Stats computes statistics for the current book of id.
func (e *Engine) Stats(id string) (microstructure.Stats, error) {
	b, err := e.Book(id)
	if err != nil {
		return microstructure.Stats{}, err
	}
	return microstructure.Compute(b), nil
}

// Aggregate merges the current books of ids with the default options.
// Unknown ids contribute nothing.
func (e *Engine) Aggregate(ids []string) *book.ExchangeBook {
	return aggregate.MergeWith(e.defaults, e.registry.Snapshot().Select(ids)...)
}

// View is a consolidated book with its statistics and contributors.
type View struct {
	Book      *book.ExchangeBook   `json:"book"`
	Stats     microstructure.Stats `json:"stats"`
	Exchanges []string             `json:"exchanges"`
	Tick      string               `json:"tick"`
}

// AggregateIDs builds a View over ids using opts. All books are read from a
// single snapshot.
func (e *Engine) AggregateIDs(ids []string, opts aggregate.Options) (View, error) {
	if err := opts.Validate(); err != nil {
		return View{}, err
	}
	snap := e.registry.Snapshot()
	var present []string
	for _, id := range ids {
		if _, ok := snap.Entry(id); ok {
			present = append(present, id)
		}
	}
	return e.view(snap, e.selector.SortByGroup(dedupe(present)), opts), nil
}

// AggregateMarket builds a View over every known exchange in filter.
func (e *Engine) AggregateMarket(filter selector.MarketFilter, opts aggregate.Options) (View, error) {
	if err := opts.Validate(); err != nil {
		return View{}, err
	}
	snap := e.registry.Snapshot()
	ids, err := e.selector.FilterByMarket(snap.IDs(), filter)
	if err != nil {
		return View{}, err
	}
	return e.view(snap, e.selector.SortByGroup(ids), opts), nil
}

func (e *Engine) view(snap registry.Snapshot, ids []string, opts aggregate.Options) View {
	merged := aggregate.MergeWith(opts, snap.Select(ids)...)
	if ids == nil {
		ids = []string{}
	}
	return View{
		Book:      merged,
		Stats:     microstructure.Compute(merged),
		Exchanges: ids,
		Tick:      opts.Tick.String(),
	}
}

// FilterByMarket returns the ids that belong to filter.
func (e *Engine) FilterByMarket(ids []string, filter selector.MarketFilter) ([]string, error) {
	return e.selector.FilterByMarket(ids, filter)
}

// SortByGroup orders ids for display.
func (e *Engine) SortByGroup(ids []string) []string {
	return e.selector.SortByGroup(ids)
}

// Exchanges lists the known exchanges in filter with their group names.
func (e *Engine) Exchanges(filter selector.MarketFilter) ([]selector.Membership, error) {
	ids, err := e.selector.FilterByMarket(e.registry.Snapshot().IDs(), filter)
	if err != nil {
		return nil, err
	}
	return e.selector.Describe(ids), nil
}

// WatchStaleness checks for stale books every interval until ctx is done,
// updating the stale gauge and logging when the stale set changes.
func (e *Engine) WatchStaleness(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.registry.LivenessWindow() / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = e.checkStaleness(last)
		}
	}
}

func (e *Engine) checkStaleness(last string) string {
	stale := e.registry.Stale()
	e.metrics.SetStale(len(stale))
	key := strings.Join(stale, ",")
	if key != last {
		if len(stale) > 0 {
			log.Warn().Strs("exchanges", stale).Dur("liveness", e.registry.LivenessWindow()).Msg("Stale order books")
		} else {
			log.Info().Msg("All order books fresh")
		}
	}
	return key
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
