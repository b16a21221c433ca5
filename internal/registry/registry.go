// Package registry holds the authoritative current book per exchange.
//
// Writes are serialized and publish a fresh immutable map through an atomic
// pointer, so readers take a consistent snapshot without locking and never
// observe a partially applied update.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/bookagg/internal/book"
)

// DefaultLivenessWindow is the age after which an exchange is reported stale.
const DefaultLivenessWindow = 30 * time.Second

// Entry is the registry record for one exchange.
type Entry struct {
	Book          *book.ExchangeBook `json:"book"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	NeedsSnapshot bool               `json:"needsSnapshot"`
}

type state struct {
	entries map[string]Entry
	version uint64
}

// Registry maps exchange id to its latest book.
type Registry struct {
	writeMu  sync.Mutex
	current  atomic.Pointer[state]
	liveness time.Duration
	now      func() time.Time

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Snapshot
}

// Option configures a Registry.
type Option func(*Registry)

// WithLivenessWindow overrides DefaultLivenessWindow.
func WithLivenessWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.liveness = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		liveness: DefaultLivenessWindow,
		now:      time.Now,
		subs:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&state{entries: map[string]Entry{}})
	return r
}

// LivenessWindow returns the configured staleness threshold.
func (r *Registry) LivenessWindow() time.Duration { return r.liveness }

// Upsert replaces the book for exchangeID and clears its resync flag. The
// book must not be modified by the caller afterwards.
func (r *Registry) Upsert(exchangeID string, b *book.ExchangeBook) {
	r.mutate(func(entries map[string]Entry) bool {
		entries[exchangeID] = Entry{Book: b, UpdatedAt: r.now()}
		return true
	})
}

// MarkNeedsSnapshot flags exchangeID so its book is served as last-known-good
// until the next snapshot arrives. Unknown ids are ignored.
func (r *Registry) MarkNeedsSnapshot(exchangeID string) {
	r.mutate(func(entries map[string]Entry) bool {
		e, ok := entries[exchangeID]
		if !ok || e.NeedsSnapshot {
			return false
		}
		e.NeedsSnapshot = true
		entries[exchangeID] = e
		return true
	})
}

// MarkAllNeedSnapshot flags every known exchange, as after a reconnect.
func (r *Registry) MarkAllNeedSnapshot() {
	r.mutate(func(entries map[string]Entry) bool {
		changed := false
		for id, e := range entries {
			if !e.NeedsSnapshot {
				e.NeedsSnapshot = true
				entries[id] = e
				changed = true
			}
		}
		return changed
	})
}

// mutate copies the current map, lets fn edit the copy and publishes it.
// Notification happens under the write lock so subscribers see versions in order.
func (r *Registry) mutate(fn func(map[string]Entry) bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	next := make(map[string]Entry, len(cur.entries)+1)
	for k, v := range cur.entries {
		next[k] = v
	}
	if !fn(next) {
		return
	}
	st := &state{entries: next, version: cur.version + 1}
	r.current.Store(st)
	r.notify(r.snapshotOf(st))
}

// Snapshot returns an immutable point-in-time view. It never blocks on writers.
func (r *Registry) Snapshot() Snapshot {
	return r.snapshotOf(r.current.Load())
}

func (r *Registry) snapshotOf(st *state) Snapshot {
	return Snapshot{entries: st.entries, version: st.version, takenAt: r.now(), liveness: r.liveness}
}

// Get returns a copy of the current book for exchangeID.
func (r *Registry) Get(exchangeID string) (*book.ExchangeBook, bool) {
	e, ok := r.current.Load().entries[exchangeID]
	return e.Book.Clone(), ok
}

// LastUpdate returns the time of the last successful write for exchangeID.
func (r *Registry) LastUpdate(exchangeID string) (time.Time, bool) {
	e, ok := r.current.Load().entries[exchangeID]
	return e.UpdatedAt, ok
}

// IsStale reports whether exchangeID has not been written within the
// liveness window. Unknown ids are not stale.
func (r *Registry) IsStale(exchangeID string) bool {
	return r.Snapshot().IsStale(exchangeID)
}

// Stale lists stale exchange ids in sorted order.
func (r *Registry) Stale() []string {
	return r.Snapshot().Stale()
}

// Subscribe returns a channel that receives the latest snapshot after each
// change. Delivery coalesces: a slow reader only sees the newest state.
func (r *Registry) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) notify(s Snapshot) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Snapshot is a read-only view of the registry at one version. Book returns
// a private copy; Entry, Books and Select hand out the shared published books,
// which callers must not modify.
type Snapshot struct {
	entries  map[string]Entry
	version  uint64
	takenAt  time.Time
	liveness time.Duration
}

// Version increases by one with every published change.
func (s Snapshot) Version() uint64 { return s.version }

// TakenAt is when the snapshot was read.
func (s Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of exchanges.
func (s Snapshot) Len() int { return len(s.entries) }

// Entry returns the record for exchangeID.
func (s Snapshot) Entry(exchangeID string) (Entry, bool) {
	e, ok := s.entries[exchangeID]
	return e, ok
}

// Book returns a copy of the book for exchangeID.
func (s Snapshot) Book(exchangeID string) (*book.ExchangeBook, bool) {
	e, ok := s.entries[exchangeID]
	return e.Book.Clone(), ok
}

// IDs returns every exchange id in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Books returns a fresh map of exchange id to book. The books themselves are
// shared and must be treated as read-only.
func (s Snapshot) Books() map[string]*book.ExchangeBook {
	out := make(map[string]*book.ExchangeBook, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.Book
	}
	return out
}

// Select returns the books for ids in the given order, skipping unknown ids.
func (s Snapshot) Select(ids []string) []*book.ExchangeBook {
	out := make([]*book.ExchangeBook, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.Book != nil {
			out = append(out, e.Book)
		}
	}
	return out
}

// IsStale reports whether exchangeID was last written before the liveness window.
func (s Snapshot) IsStale(exchangeID string) bool {
	e, ok := s.entries[exchangeID]
	if !ok {
		return false
	}
	return s.takenAt.Sub(e.UpdatedAt) > s.liveness
}

// Stale lists stale exchange ids in sorted order.
func (s Snapshot) Stale() []string {
	var out []string
	for _, id := range s.IDs() {
		if s.IsStale(id) {
			out = append(out, id)
		}
	}
	return out
}
