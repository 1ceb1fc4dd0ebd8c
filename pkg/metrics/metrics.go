// Package metrics exposes the server's operational counters and gauges in
// Prometheus form.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counts is the live-state source of the gauges. The conference registry
// implements it.
type Counts interface {
	ConferenceCount() int
	ParticipantCount() int
}

// Metrics owns the Prometheus registry and the collectors. It doubles as the
// StatsRecorder handed to conferences.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	joins          prometheus.Counter
	leaves         prometheus.Counter
	joinLatency    prometheus.Histogram
	produceLatency prometheus.Histogram
	sockets        prometheus.Gauge

	// Shadow counts readable by the stats endpoint; Prometheus counters are
	// write-only from here.
	joinCount   atomic.Int64
	leaveCount  atomic.Int64
	socketCount atomic.Int64
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	m := &Metrics{
		registry: registry,
		started:  time.Now(),
		joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "estuary_joins_total",
			Help: "Participants that joined a conference.",
		}),
		leaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "estuary_leaves_total",
			Help: "Participants that left a conference, disconnects included.",
		}),
		joinLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "estuary_join_duration_seconds",
			Help:    "Time to process a joinConference request.",
			Buckets: prometheus.DefBuckets,
		}),
		produceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "estuary_produce_duration_seconds",
			Help:    "Time to process a produce request.",
			Buckets: prometheus.DefBuckets,
		}),
		sockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "estuary_socket_connections",
			Help: "Open signaling sockets.",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "estuary_uptime_seconds",
		Help: "Seconds since the server started.",
	}, func() float64 {
		return time.Since(m.started).Seconds()
	})

	return m
}

// BindCounts registers the conference and participant gauges against the live
// state source. Called once the registry exists.
func (m *Metrics) BindCounts(counts Counts) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "estuary_active_conferences",
		Help: "Live conferences.",
	}, func() float64 {
		return float64(counts.ConferenceCount())
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "estuary_active_participants",
		Help: "Participants across all live conferences.",
	}, func() float64 {
		return float64(counts.ParticipantCount())
	})
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Started reports the server start time, for the stats endpoint.
func (m *Metrics) Started() time.Time {
	return m.started
}

func (m *Metrics) RecordJoin(latency time.Duration) {
	m.joins.Inc()
	m.joinCount.Add(1)
	m.joinLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordLeave() {
	m.leaves.Inc()
	m.leaveCount.Add(1)
}

func (m *Metrics) RecordProduce(latency time.Duration) {
	m.produceLatency.Observe(latency.Seconds())
}

func (m *Metrics) SocketConnected() {
	m.sockets.Inc()
	m.socketCount.Add(1)
}

func (m *Metrics) SocketDisconnected() {
	m.sockets.Dec()
	m.socketCount.Add(-1)
}

// Joins reports the total joins so far.
func (m *Metrics) Joins() int64 { return m.joinCount.Load() }

// Leaves reports the total leaves so far, disconnects included.
func (m *Metrics) Leaves() int64 { return m.leaveCount.Load() }

// Sockets reports the open signaling sockets.
func (m *Metrics) Sockets() int64 { return m.socketCount.Load() }
