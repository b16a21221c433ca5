// Package metrics holds the Prometheus collectors for the aggregation engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Drop reasons used as label values.
const (
	ReasonMalformed        = "malformed"
	ReasonUnknownKind      = "unknown_kind"
	ReasonInvalidLevel     = "invalid_level"
	ReasonAwaitingSnapshot = "awaiting_snapshot"
	ReasonCrossedBook      = "crossed_book"
)

// Registry holds every collector. A nil *Registry is valid and records nothing.
type Registry struct {
	FramesReceived  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	Reconnects      prometheus.Counter
	DialFailures    prometheus.Counter
	ConnectionState prometheus.Gauge
	ApplyDuration   *prometheus.HistogramVec
	BookLevels      *prometheus.GaugeVec
	StaleExchanges  prometheus.Gauge
	MirrorWrites    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookagg_frames_received_total",
				Help: "Inbound stream frames by kind",
			},
			[]string{"kind"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookagg_frames_dropped_total",
				Help: "Inbound frames dropped by reason",
			},
			[]string{"reason"},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bookagg_stream_reconnects_total",
				Help: "Number of times the stream entered the reconnecting state",
			},
		),
		DialFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bookagg_stream_dial_failures_total",
				Help: "Failed connection attempts",
			},
		),
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookagg_stream_state",
				Help: "Stream client state (0=connecting, 1=open, 2=reconnecting, 3=closed)",
			},
		),
		ApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookagg_apply_duration_seconds",
				Help:    "Time to apply one frame to the registry",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"kind"},
		),
		BookLevels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookagg_book_levels",
				Help: "Price levels held per exchange and side",
			},
			[]string{"exchange", "side"},
		),
		StaleExchanges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookagg_stale_exchanges",
				Help: "Exchanges with no update inside the liveness window",
			},
		),
		MirrorWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookagg_mirror_writes_total",
				Help: "Book writes to the external mirror by result",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.FramesDropped,
			m.Reconnects,
			m.DialFailures,
			m.ConnectionState,
			m.ApplyDuration,
			m.BookLevels,
			m.StaleExchanges,
			m.MirrorWrites,
		)
	}
	return m
}

// RecordFrame counts a received frame and its apply latency.
func (m *Registry) RecordFrame(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
	m.ApplyDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// RecordDrop counts a dropped frame.
func (m *Registry) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordReconnect counts a transition into the reconnecting state.
func (m *Registry) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordDialFailure counts a failed connection attempt.
func (m *Registry) RecordDialFailure() {
	if m == nil {
		return
	}
	m.DialFailures.Inc()
}

// SetState publishes the numeric client state.
func (m *Registry) SetState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// SetBookLevels publishes level counts for one exchange.
func (m *Registry) SetBookLevels(exchange string, bids, asks int) {
	if m == nil {
		return
	}
	m.BookLevels.WithLabelValues(exchange, "bid").Set(float64(bids))
	m.BookLevels.WithLabelValues(exchange, "ask").Set(float64(asks))
}

// SetStale publishes the number of stale exchanges.
func (m *Registry) SetStale(n int) {
	if m == nil {
		return
	}
	m.StaleExchanges.Set(float64(n))
}

// RecordMirrorWrite counts a mirror write outcome ("ok" or "error").
func (m *Registry) RecordMirrorWrite(result string) {
	if m == nil {
		return
	}
	m.MirrorWrites.WithLabelValues(result).Inc()
}

// DropTotals reads the dropped-frame counters by reason.
func (m *Registry) DropTotals() map[string]float64 {
	out := map[string]float64{}
	if m == nil {
		return out
	}
	for _, reason := range []string{ReasonMalformed, ReasonUnknownKind, ReasonInvalidLevel, ReasonAwaitingSnapshot, ReasonCrossedBook} {
		c, err := m.FramesDropped.GetMetricWithLabelValues(reason)
		if err != nil {
			continue
		}
		var pb dto.Metric
		if err := c.Write(&pb); err != nil {
			log.Debug().Err(err).Str("reason", reason).Msg("Failed to read drop counter")
			continue
		}
		if v := pb.GetCounter().GetValue(); v > 0 {
			out[reason] = v
		}
	}
	return out
}
