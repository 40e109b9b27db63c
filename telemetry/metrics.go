package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the deployer's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	taskDuration *prometheus.HistogramVec
	tasks        *prometheus.CounterVec
	calls        *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pushkin",
			Name:      "task_duration_seconds",
			Help:      "Wall time of provisioning tasks.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"kind", "outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushkin",
			Name:      "tasks_total",
			Help:      "Provisioning tasks by final state.",
		}, []string{"kind", "outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushkin",
			Name:      "control_plane_calls_total",
			Help:      "Control-plane calls issued by the reconciler.",
		}, []string{"kind", "op", "result"}),
	}
	m.Registry.MustRegister(m.taskDuration, m.tasks, m.calls)
	return m
}

// ObserveTask records one finished task.
func (m *Metrics) ObserveTask(kind, outcome string, d time.Duration) {
	m.tasks.WithLabelValues(kind, outcome).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
	}
}

// ObserveCall records one control-plane call.
func (m *Metrics) ObserveCall(kind, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(kind, op, result).Inc()
}

// Push sends the registry to a Pushgateway under job. An empty url is a
// no-op.
func (m *Metrics) Push(url, job string) error {
	if url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.Registry).Push()
}
