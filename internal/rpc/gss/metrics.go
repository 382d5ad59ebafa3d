package gss

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus counters/gauges/histograms for RPCSEC_GSS
// context lifecycle and data-request processing. A nil *Metrics is a
// no-op, so callers that leave metrics disabled (section 6's
// metrics_enabled flag) pay no overhead.
type Metrics struct {
	ContextCreations    *prometheus.CounterVec
	ContextDestructions prometheus.Counter
	ActiveContexts      prometheus.Gauge
	AuthFailures        *prometheus.CounterVec
	DataRequests        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics registers and returns the process-wide GSS metrics
// collector. If registerer is nil, prometheus.DefaultRegisterer is used.
// Idempotent: repeated calls return the same instance.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		m := &Metrics{
			ContextCreations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oncrpc_gss_context_creations_total",
				Help: "Total GSS context creation attempts by result",
			}, []string{"result"}),
			ContextDestructions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "oncrpc_gss_context_destructions_total",
				Help: "Total GSS context destructions",
			}),
			ActiveContexts: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "oncrpc_gss_active_contexts",
				Help: "Current number of active GSS contexts",
			}),
			AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oncrpc_gss_auth_failures_total",
				Help: "Total GSS authentication failures by reason",
			}, []string{"reason"}),
			DataRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oncrpc_gss_data_requests_total",
				Help: "Total GSS DATA requests by service level",
			}, []string{"service"}),
			RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "oncrpc_gss_request_duration_seconds",
				Help:    "GSS request processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		registerer.MustRegister(
			m.ContextCreations, m.ContextDestructions, m.ActiveContexts,
			m.AuthFailures, m.DataRequests, m.RequestDuration,
		)
		metricsInstance = m
	})
	return metricsInstance
}

func (m *Metrics) recordContextCreation(success bool) {
	if m == nil {
		return
	}
	if success {
		m.ContextCreations.WithLabelValues("success").Inc()
		m.ActiveContexts.Inc()
	} else {
		m.ContextCreations.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) recordContextDestruction() {
	if m == nil {
		return
	}
	m.ContextDestructions.Inc()
	m.ActiveContexts.Dec()
}

func (m *Metrics) recordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordDataRequest(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.DataRequests.WithLabelValues(service).Inc()
	m.RequestDuration.WithLabelValues("data").Observe(d.Seconds())
}

func (m *Metrics) recordInitDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues("init").Observe(d.Seconds())
}

func (m *Metrics) recordDestroyDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues("destroy").Observe(d.Seconds())
}

func serviceLevelName(service uint32) string {
	switch service {
	case RPCGSSSvcNone:
		return "none"
	case RPCGSSSvcIntegrity:
		return "integrity"
	case RPCGSSSvcPrivacy:
		return "privacy"
	default:
		return "unknown"
	}
}
