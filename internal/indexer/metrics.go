package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the indexer's Prometheus collectors
type Metrics struct {
	events       *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	state        prometheus.Gauge
	backoff      prometheus.Gauge
	lastAdvance  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "educhain_indexer_events_total", Help: "Events handled by outcome"},
			[]string{"outcome"},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "educhain_indexer_ticks_total", Help: "Indexer iterations by status"},
			[]string{"status"},
		),
		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "educhain_indexer_tick_duration_seconds", Help: "Iteration latency", Buckets: prometheus.DefBuckets},
			[]string{"status"},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "educhain_indexer_state", Help: "Current loop state (0 idle, 1 fetching, 2 persisting, 3 advancing cursor, 4 sleeping, 5 error backoff)"},
		),
		backoff: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "educhain_indexer_backoff_seconds", Help: "Current error backoff delay, 0 when healthy"},
		),
		lastAdvance: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "educhain_indexer_cursor_advanced_timestamp_seconds", Help: "Unix time of the last cursor write"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.ticks, m.tickDuration, m.state, m.backoff, m.lastAdvance)
	}
	return m
}
