package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"captcha_engine/internal/model"
)

// Metrics holds the solver Prometheus metrics. It satisfies
// captcha.Metrics.
type Metrics struct {
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	SolvesTotal     *prometheus.CounterVec
	SolveDuration   *prometheus.HistogramVec
}

// NewMetrics registers with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captcha_solver_attempts_total",
				Help: "Solver attempts by outcome",
			},
			[]string{"solver", "type", "outcome"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "captcha_solver_attempt_duration_seconds",
				Help:    "Time spent in a single solver attempt",
				Buckets: buckets,
			},
			[]string{"solver", "type"},
		),
		SolvesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captcha_solves_total",
				Help: "Solve calls by outcome",
			},
			[]string{"type", "outcome"},
		),
		SolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "captcha_solve_duration_seconds",
				Help:    "End to end solve duration",
				Buckets: buckets,
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.AttemptsTotal,
		m.AttemptDuration,
		m.SolvesTotal,
		m.SolveDuration,
	)
	return m
}

// ObserveAttempt records one solver attempt. Skipped attempts only count.
func (m *Metrics) ObserveAttempt(solver string, t model.CaptchaType, outcome string, d time.Duration) {
	m.AttemptsTotal.WithLabelValues(solver, t.Code(), outcome).Inc()
	if outcome != "skipped" {
		m.AttemptDuration.WithLabelValues(solver, t.Code()).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveSolve(t model.CaptchaType, outcome string, d time.Duration) {
	m.SolvesTotal.WithLabelValues(t.Code(), outcome).Inc()
	m.SolveDuration.WithLabelValues(t.Code()).Observe(d.Seconds())
}
