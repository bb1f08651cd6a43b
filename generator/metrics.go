package generator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for learnpath_generations_total.
const (
	outcomeSuccess   = "success"
	outcomeEmpty     = "empty"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// Metrics counts generation runs. A nil *Metrics records nothing.
type Metrics struct {
	generations *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	active      prometheus.Gauge
	duration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnpath_generations_total",
			Help: "Finished learning path generations by outcome.",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnpath_generate_rejected_total",
			Help: "Generate requests rejected before reaching the agent.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "learnpath_generations_active",
			Help: "Generations currently running.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "learnpath_generation_duration_seconds",
			Help:    "Wall time of a generation run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.generations, m.rejected, m.active, m.duration)
	}
	return m
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) finished(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.generations.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}
