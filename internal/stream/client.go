// Package stream owns the market-data connection. A single worker goroutine
// reads frames, applies them to per-exchange books and publishes the results
// to the registry.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/bookagg/internal/book"
	"github.com/sawpanic/bookagg/internal/metrics"
	"github.com/sawpanic/bookagg/internal/registry"
)

// Config holds connection and recovery settings.
type Config struct {
	URL              string
	UserAgent        string
	HandshakeTimeout time.Duration // bound on each dial attempt
	ReadTimeout      time.Duration // silence after which the connection is treated as dead
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	BackoffJitter    bool
	MaxDepth         int      // levels kept per side, 0 = unbounded
	Exchanges        []string // exchanges to request snapshots for on every connect
	RequestSnapshots bool
	SnapshotRPS      float64
	SnapshotBurst    int
	BreakerFailures  uint32        // consecutive dial failures that open the breaker
	BreakerTimeout   time.Duration // open period before a trial dial
}

// DefaultConfig returns the production defaults: backoff from 1s doubling to 30s.
func DefaultConfig() Config {
	return Config{
		UserAgent:        "bookagg/1.0",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        4 << 20,
		BackoffMin:       time.Second,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2,
		MaxDepth:         1000,
		RequestSnapshots: true,
		SnapshotRPS:      20,
		SnapshotBurst:    5,
		BreakerFailures:  5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Client maintains one streaming connection and is the registry's only writer.
type Client struct {
	cfg      Config
	registry *registry.Registry
	metrics  *metrics.Registry
	dialer   *websocket.Dialer
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	backoff  *backoff.Backoff

	// owned by the worker goroutine
	depths  map[string]*book.Depth
	pending map[string]bool
	applied uint64
	conn    *websocket.Conn // live connection while serve runs
	connCtx context.Context

	state   atomic.Int32
	onState func(State)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

// NewClient creates a client writing into reg. m may be nil.
func NewClient(cfg Config, reg *registry.Registry, m *metrics.Registry) *Client {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.SnapshotRPS <= 0 {
		cfg.SnapshotRPS = def.SnapshotRPS
	}
	if cfg.SnapshotBurst <= 0 {
		cfg.SnapshotBurst = def.SnapshotBurst
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	c := &Client{
		cfg:      cfg,
		registry: reg,
		metrics:  m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.SnapshotRPS), cfg.SnapshotBurst),
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: cfg.BackoffFactor,
			Jitter: cfg.BackoffJitter,
		},
		depths:  make(map[string]*book.Depth),
		pending: make(map[string]bool),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "stream-dial",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Dial circuit breaker state changed")
		},
	})
	c.state.Store(int32(StateConnecting))
	m.SetState(int(StateConnecting))
	return c
}

// OnStateChange registers fn to be called on every state transition. It must
// be set before Start and must not block.
func (c *Client) OnStateChange(fn func(State)) {
	c.onState = fn
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	for {
		cur := State(c.state.Load())
		if cur == s || cur == StateClosed {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			c.metrics.SetState(int(s))
			if s == StateReconnecting {
				c.metrics.RecordReconnect()
			}
			log.Info().Str("from", cur.String()).Str("to", s.String()).Msg("Stream state changed")
			if c.onState != nil {
				c.onState(s)
			}
			return
		}
	}
}

// Start connects to the configured URL in a background worker. The worker
// keeps reconnecting until ctx is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
	return nil
}

// Run starts the client and blocks until its worker exits.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-c.Done()
	return ctx.Err()
}

// Close stops the worker, closes the connection and cancels any pending
// reconnect. The client ends in StateClosed and cannot be restarted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(StateClosed)
	return nil
}

// Done is closed when the worker has exited. It is nil before Start.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) run(ctx context.Context) {
	defer c.setState(StateClosed)

	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.RecordDialFailure()
			c.setState(StateReconnecting)
			wait := c.backoff.Duration()
			log.Warn().Err(err).Str("url", c.cfg.URL).Dur("retry_in", wait).Msg("Stream dial failed")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		c.setState(StateOpen)
		log.Info().Str("url", c.cfg.URL).Msg("Stream connected")

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateReconnecting)
		wait := c.backoff.Duration()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("Stream connection lost")
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
		conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, c.cfg.URL, err)
	}
	return res.(*websocket.Conn), nil
}

// serve runs one connection until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(ctx, conn, stop)

	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	c.conn, c.connCtx = conn, ctx
	defer func() { c.conn, c.connCtx = nil, nil }()

	if err := c.resync(ctx, conn); err != nil {
		return err
	}

	// backoff is reset only once the connection has delivered a book
	reset := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		_ = extend()
		before := c.applied
		if err := c.HandleMessage(data); err != nil && IsTransportError(err) {
			return err
		}
		if !reset && c.applied != before {
			c.backoff.Reset()
			reset = true
		}
	}
}

// keepalive pings the peer and closes conn when ctx is cancelled so a
// blocked read returns.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(c.cfg.WriteTimeout))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				log.Debug().Err(err).Msg("Stream ping failed")
			}
		}
	}
}

// resync marks every known exchange as needing a snapshot and, when
// enabled, asks the feed for one.
func (c *Client) resync(ctx context.Context, conn *websocket.Conn) error {
	ids := make(map[string]struct{}, len(c.depths)+len(c.cfg.Exchanges))
	for id := range c.depths {
		c.pending[id] = true
		ids[id] = struct{}{}
	}
	for _, id := range c.cfg.Exchanges {
		ids[id] = struct{}{}
	}
	if len(c.depths) > 0 {
		c.registry.MarkAllNeedSnapshot()
	}
	if !c.cfg.RequestSnapshots || len(ids) == 0 {
		return nil
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		if err := c.requestSnapshot(ctx, conn, id); err != nil {
			return err
		}
	}
	log.Debug().Int("exchanges", len(sorted)).Msg("Requested fresh snapshots")
	return nil
}

// requestSnapshot asks the feed for a full book for id, subject to the
// snapshot request rate limit.
func (c *Client) requestSnapshot(ctx context.Context, conn *websocket.Conn, id string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(snapshotRequest{Op: "snapshot", ExchangeID: id}); err != nil {
		return fmt.Errorf("%w: snapshot request for %s: %v", ErrTransport, id, err)
	}
	return nil
}

// HandleMessage decodes one frame and applies it. Protocol errors drop the
// frame and leave the affected book at its last good state; a transport
// error means the stream itself can no longer be trusted. It must only be
// called from one goroutine at a time.
func (c *Client) HandleMessage(raw []byte) error {
	start := time.Now()
	msg, err := Decode(raw)
	if err == nil {
		switch msg.Kind {
		case KindSnapshot:
			err = c.applySnapshot(msg)
		case KindDelta:
			err = c.applyDelta(msg)
		}
	}
	if err != nil {
		c.metrics.RecordDrop(dropReason(err))
		log.Warn().Err(err).Str("exchange", msg.ExchangeID).Str("kind", string(msg.Kind)).Msg("Dropped stream frame")
		return err
	}
	c.metrics.RecordFrame(string(msg.Kind), time.Since(start))
	return nil
}

func (c *Client) applySnapshot(msg Message) error {
	d := book.NewDepth(c.cfg.MaxDepth)
	if err := d.Replace(msg.Bids, msg.Asks); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTuple, err)
	}
	if d.Crossed() {
		c.flagResync(msg.ExchangeID)
		return ErrCrossedBook
	}
	c.depths[msg.ExchangeID] = d
	delete(c.pending, msg.ExchangeID)
	c.publish(msg.ExchangeID, d)
	return nil
}

func (c *Client) applyDelta(msg Message) error {
	cur, ok := c.depths[msg.ExchangeID]
	if !ok || c.pending[msg.ExchangeID] {
		return ErrAwaitingSnapshot
	}
	next := cur.Clone()
	if err := next.Apply(msg.Changes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTuple, err)
	}
	if next.Crossed() {
		c.flagResync(msg.ExchangeID)
		return ErrCrossedBook
	}
	c.depths[msg.ExchangeID] = next
	c.publish(msg.ExchangeID, next)
	return nil
}

// flagResync stops delta application for id until a new snapshot arrives
// and, on a live connection, asks the feed for one.
func (c *Client) flagResync(id string) {
	if _, known := c.depths[id]; !known {
		return
	}
	c.pending[id] = true
	c.registry.MarkNeedsSnapshot(id)

	if !c.cfg.RequestSnapshots || c.conn == nil {
		return
	}
	if err := c.requestSnapshot(c.connCtx, c.conn, id); err != nil {
		// a broken conn also fails the next read, which reconnects
		log.Warn().Err(err).Str("exchange", id).Msg("Snapshot request after crossed book failed")
		return
	}
	log.Debug().Str("exchange", id).Msg("Requested snapshot after crossed book")
}

func (c *Client) publish(id string, d *book.Depth) {
	b := d.Freeze(id, time.Now())
	c.registry.Upsert(id, b)
	c.applied++
	c.metrics.SetBookLevels(id, len(b.Bids), len(b.Asks))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
