// Package metrics provides the Prometheus collectors for the RPC core
// itself (call counts/latencies, dispatcher registrations, portmap
// self-registration outcomes), scoped to this module's domain the way
// the teacher's pkg/metrics/prometheus scopes its own collectors to the
// filesystem layer. internal/rpc/gss carries its own collector for
// GSS-specific counters, following the same nil-receiver-safe pattern.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks dispatcher and portmap activity. A nil *Collector is a
// no-op, so a caller that leaves metrics_enabled false pays no overhead.
type Collector struct {
	CallsTotal          *prometheus.CounterVec
	CallDuration        *prometheus.HistogramVec
	ProgramsRegistered  prometheus.Gauge
	PortmapRegistration *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Collector
)

// New registers and returns the process-wide RPC core metrics collector.
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent:
// repeated calls return the same instance.
func New(registerer prometheus.Registerer) *Collector {
	once.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		c := &Collector{
			CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oncrpc_calls_total",
				Help: "Total RPC calls dispatched, by program, procedure, and accept_stat",
			}, []string{"program", "procedure", "accept_stat"}),
			CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "oncrpc_call_duration_seconds",
				Help:    "RPC call dispatch-to-reply duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"program", "procedure"}),
			ProgramsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "oncrpc_programs_registered",
				Help: "Current number of (program, version) registrations in the dispatcher",
			}),
			PortmapRegistration: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oncrpc_portmap_registration_total",
				Help: "Total portmap self-registration attempts, by protocol and result",
			}, []string{"protocol", "result"}),
		}
		registerer.MustRegister(c.CallsTotal, c.CallDuration, c.ProgramsRegistered, c.PortmapRegistration)
		instance = c
	})
	return instance
}

// RecordCall records one dispatched call's outcome and latency.
func (c *Collector) RecordCall(program, procedure, acceptStat string, d time.Duration) {
	if c == nil {
		return
	}
	c.CallsTotal.WithLabelValues(program, procedure, acceptStat).Inc()
	c.CallDuration.WithLabelValues(program, procedure).Observe(d.Seconds())
}

// SetProgramsRegistered sets the current dispatcher registration count.
func (c *Collector) SetProgramsRegistered(n int) {
	if c == nil {
		return
	}
	c.ProgramsRegistered.Set(float64(n))
}

// RecordPortmapRegistration records the outcome of one SET/UNSET call
// issued by the portmap client.
func (c *Collector) RecordPortmapRegistration(protocol string, success bool) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.PortmapRegistration.WithLabelValues(protocol, result).Inc()
}
