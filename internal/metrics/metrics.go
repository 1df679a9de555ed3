// Package metrics exposes the agent's Prometheus collectors.
//
// Every method is safe to call on a nil *Metrics so components can be
// built without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xccmsync"

// Save results.
const (
	ResultSaved   = "saved"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	saves           *prometheus.CounterVec
	saveDuration    prometheus.Histogram
	walUnsynced     prometheus.Gauge
	walDegraded     prometheus.Gauge
	walWriteErrors  prometheus.Counter
	prefetch        *prometheus.CounterVec
	reconnects      prometheus.Counter
	reconnectFailed prometheus.Counter
	staleWrites     prometheus.Counter
	historyDepth    prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Remote saves by result.",
		}, []string{"result"}),
		saveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Remote save latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
		walUnsynced: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wal_unsynced",
			Help:      "Changes recorded locally but not yet acknowledged by the remote.",
		}),
		walDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wal_degraded",
			Help:      "1 while the WAL writes to its fallback backend.",
		}),
		walWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_write_errors_total",
			Help:      "Writes rejected by every WAL backend.",
		}),
		prefetch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_requests_total",
			Help:      "Prefetch cache lookups by result.",
		}, []string{"result"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Collaboration reconnect attempts.",
		}),
		reconnectFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Reconnect cycles that ran out of retries.",
		}),
		staleWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_writes_total",
			Help:      "Content events dropped because they did not belong to the active document.",
		}),
		historyDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_actions",
			Help:      "Actions in the undo history.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveSave records one save outcome. d is ignored for skipped saves.
func (m *Metrics) ObserveSave(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		m.saveDuration.Observe(d.Seconds())
	}
}

// SetUnsynced sets the WAL backlog.
func (m *Metrics) SetUnsynced(n int) {
	if m == nil {
		return
	}
	m.walUnsynced.Set(float64(n))
}

// SetDegraded flips the degraded gauge.
func (m *Metrics) SetDegraded(v bool) {
	if m == nil {
		return
	}
	if v {
		m.walDegraded.Set(1)
	} else {
		m.walDegraded.Set(0)
	}
}

func (m *Metrics) WALWriteError() {
	if m == nil {
		return
	}
	m.walWriteErrors.Inc()
}

// Prefetch counts a cache lookup result.
func (m *Metrics) Prefetch(result string) {
	if m == nil {
		return
	}
	m.prefetch.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectFailed.Inc()
}

func (m *Metrics) StaleWrite() {
	if m == nil {
		return
	}
	m.staleWrites.Inc()
}

// SetHistoryDepth sets the number of undoable and redoable actions.
func (m *Metrics) SetHistoryDepth(n int) {
	if m == nil {
		return
	}
	m.historyDepth.Set(float64(n))
}
