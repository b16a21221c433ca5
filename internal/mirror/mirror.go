// Package mirror copies the current book of every exchange into Redis so
// processes outside this one can read it. Only the latest state is kept;
// keys expire when their exchange stops updating.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bookagg/internal/book"
	"github.com/sawpanic/bookagg/internal/metrics"
	"github.com/sawpanic/bookagg/internal/registry"
)

// Options configures key layout and timing.
type Options struct {
	KeyPrefix string        // prepended to "book:<id>"
	TTL       time.Duration // key expiry, normally the liveness window
	Timeout   time.Duration // bound on each Redis command
}

// Record is the JSON document stored per exchange.
type Record struct {
	Book          *book.ExchangeBook `json:"book"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	NeedsSnapshot bool               `json:"needsSnapshot"`
}

type written struct {
	updatedAt     time.Time
	needsSnapshot bool
}

// Mirror writes changed registry entries to Redis. Sync and Run must not be
// called concurrently.
type Mirror struct {
	client  *redis.Client
	opts    Options
	metrics *metrics.Registry
	last    map[string]written
}

// New creates a mirror on client. m may be nil.
func New(client *redis.Client, opts Options, m *metrics.Registry) *Mirror {
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	return &Mirror{
		client:  client,
		opts:    opts,
		metrics: m,
		last:    make(map[string]written),
	}
}

// Key returns the Redis key for an exchange.
func (m *Mirror) Key(exchangeID string) string {
	return m.opts.KeyPrefix + "book:" + exchangeID
}

// Ping checks the connection.
func (m *Mirror) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	return m.client.Ping(ctx).Err()
}

// Encode renders the stored document for an entry.
func Encode(e registry.Entry) ([]byte, error) {
	return json.Marshal(Record{Book: e.Book, UpdatedAt: e.UpdatedAt, NeedsSnapshot: e.NeedsSnapshot})
}

// Sync writes every entry of snap that changed since the last successful
// write. Failed entries are retried on the next call.
func (m *Mirror) Sync(ctx context.Context, snap registry.Snapshot) error {
	var errs []error
	for _, id := range snap.IDs() {
		e, _ := snap.Entry(id)
		cur := written{updatedAt: e.UpdatedAt, needsSnapshot: e.NeedsSnapshot}
		if prev, ok := m.last[id]; ok && prev == cur {
			continue
		}
		if err := m.write(ctx, id, e); err != nil {
			m.metrics.RecordMirrorWrite("error")
			errs = append(errs, fmt.Errorf("mirror %s: %w", id, err))
			continue
		}
		m.metrics.RecordMirrorWrite("ok")
		m.last[id] = cur
	}
	return errors.Join(errs...)
}

func (m *Mirror) write(ctx context.Context, id string, e registry.Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	return m.client.Set(ctx, m.Key(id), string(data), m.opts.TTL).Err()
}

// Run mirrors reg until ctx is done. Keys are refreshed at least every half
// TTL so live exchanges never expire between updates.
func (m *Mirror) Run(ctx context.Context, reg *registry.Registry) {
	updates, cancel := reg.Subscribe()
	defer cancel()

	refresh := m.opts.TTL / 2
	if refresh <= 0 {
		refresh = 15 * time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	m.syncLogged(ctx, reg.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			m.syncLogged(ctx, snap)
		case <-ticker.C:
			m.refreshFresh(ctx, reg.Snapshot())
		}
	}
}

// refreshFresh extends the expiry of every book that is not stale.
func (m *Mirror) refreshFresh(ctx context.Context, snap registry.Snapshot) {
	for _, id := range snap.IDs() {
		if snap.IsStale(id) {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		err := m.client.Expire(cctx, m.Key(id), m.opts.TTL).Err()
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("exchange", id).Msg("Mirror expiry refresh failed")
		}
	}
}

func (m *Mirror) syncLogged(ctx context.Context, snap registry.Snapshot) {
	if err := m.Sync(ctx, snap); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Uint64("version", snap.Version()).Msg("Redis mirror sync failed")
	}
}
