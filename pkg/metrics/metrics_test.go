package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NotNil(t, c)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordCall("100003", "1", "0", time.Millisecond)
		c.SetProgramsRegistered(3)
		c.RecordPortmapRegistration("tcp", true)
	})
}

func TestCollector_RecordCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := &Collector{
		CallsTotal:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_calls_total"}, []string{"program", "procedure", "accept_stat"}),
		CallDuration:        prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "t_call_duration_seconds"}, []string{"program", "procedure"}),
		ProgramsRegistered:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "t_programs_registered"}),
		PortmapRegistration: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_portmap_registration_total"}, []string{"protocol", "result"}),
	}
	reg.MustRegister(c.CallsTotal, c.CallDuration, c.ProgramsRegistered, c.PortmapRegistration)

	c.RecordCall("100003", "1", "0", 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.CallsTotal.WithLabelValues("100003", "1", "0")))

	c.SetProgramsRegistered(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(c.ProgramsRegistered))

	c.RecordPortmapRegistration("udp", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.PortmapRegistration.WithLabelValues("udp", "failure")))
}
