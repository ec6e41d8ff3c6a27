package status

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/fieldsync/internal/realtime"
	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

// Metrics holds the Prometheus collectors for the sync subsystem. Each
// instance has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	uploaded      prometheus.Counter
	rejected      prometheus.Counter
	downloaded    prometheus.Counter
	orphans       prometheus.Counter
	pending       prometheus.Gauge
	failed        prometheus.Gauge
	exhausted     prometheus.Gauge
	circuitOpen   prometheus.Gauge
	realtime      *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Name:      "sync_cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "records_uploaded_total",
			Help:      "Records acknowledged by the server.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "records_rejected_total",
			Help:      "Records the server refused.",
		}),
		downloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "records_downloaded_total",
			Help:      "Remote rows applied by incremental download.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "orphans_removed_total",
			Help:      "Local records removed because the server no longer has them.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "pending_records",
			Help:      "Records with local changes not yet acknowledged.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "failed_records",
			Help:      "Records the server rejected.",
		}),
		exhausted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "exhausted_records",
			Help:      "Failed records out of automatic retries.",
		}),
		circuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "circuit_open",
			Help:      "1 while automatic sync is suspended by the circuit breaker.",
		}),
		realtime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "realtime_events_total",
			Help:      "Realtime change events by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.uploaded, m.rejected, m.downloaded,
		m.orphans, m.pending, m.failed, m.exhausted, m.circuitOpen, m.realtime,
	)
	return m
}

// ObserveStatus records a status event from the engine.
func (m *Metrics) ObserveStatus(ev fsync.StatusEvent) {
	st := ev.Status
	m.pending.Set(float64(st.Pending))
	m.failed.Set(float64(st.Failed))
	m.exhausted.Set(float64(st.Exhausted))
	if st.State == fsync.StateCircuitOpen {
		m.circuitOpen.Set(1)
	} else {
		m.circuitOpen.Set(0)
	}

	if ev.Result == nil {
		return
	}
	res := ev.Result
	if ev.Err != nil {
		m.cycles.WithLabelValues("error").Inc()
	} else {
		m.cycles.WithLabelValues("ok").Inc()
	}
	m.cycleDuration.Observe(res.Duration.Seconds())
	m.uploaded.Add(float64(res.Uploaded))
	m.rejected.Add(float64(res.Rejected))
	m.downloaded.Add(float64(res.Downloaded))
	m.orphans.Add(float64(res.Orphans))
}

// ObserveOutcome records one handled realtime event.
func (m *Metrics) ObserveOutcome(o realtime.Outcome) {
	m.realtime.WithLabelValues(string(o)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
