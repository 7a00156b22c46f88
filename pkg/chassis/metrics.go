package chassis

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the control loop's Prometheus collectors.  A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Cycles         prometheus.Counter
	Movements      *prometheus.CounterVec
	Settles        *prometheus.CounterVec
	ReadFailures   prometheus.Counter
	WriteFailures  prometheus.Counter
	CycleDurations prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chassis_loop_cycles_total",
			Help: "Control loop cycles that drove the actuator.",
		}),
		Movements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chassis_movements_total",
			Help: "Movements started, by mode.",
		}, []string{"mode"}),
		Settles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chassis_settles_total",
			Help: "Movements that settled, by mode.",
		}, []string{"mode"}),
		ReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chassis_sensor_read_failures_total",
			Help: "Failed actuator sensor reads.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chassis_actuator_write_failures_total",
			Help: "Failed actuator commands.",
		}),
		CycleDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chassis_loop_cycle_seconds",
			Help:    "Time spent computing and commanding one control cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Cycles, m.Movements, m.Settles, m.ReadFailures, m.WriteFailures, m.CycleDurations)
	}
	return m
}

func (m *Metrics) cycle(seconds float64) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.CycleDurations.Observe(seconds)
}

func (m *Metrics) movement(mode Mode) {
	if m == nil {
		return
	}
	m.Movements.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) settled(mode Mode) {
	if m == nil {
		return
	}
	m.Settles.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) readFailed() {
	if m == nil {
		return
	}
	m.ReadFailures.Inc()
}

func (m *Metrics) writeFailed() {
	if m == nil {
		return
	}
	m.WriteFailures.Inc()
}
