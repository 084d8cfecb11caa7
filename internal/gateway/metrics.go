package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pavelanni/gradeflow/internal/model"
)

// Metrics counts backend calls by operation and outcome. A nil *Metrics
// records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gradeflow",
				Subsystem: "gateway",
				Name:      "calls_total",
				Help:      "Total number of grading backend calls",
			},
			[]string{"op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gradeflow",
				Subsystem: "gateway",
				Name:      "call_duration_seconds",
				Help:      "Duration of grading backend calls",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
			},
			[]string{"op"},
		),
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(model.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.calls.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}
