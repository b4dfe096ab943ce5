package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by all runners in a process.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
	BusErrors     *prometheus.CounterVec
	HandleSeconds *prometheus.HistogramVec
}

// NewMetrics registers consumer collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "consumer_messages_total", Help: "Messages handled by consumer groups."},
			[]string{"group", "event_type", "status"},
		),
		BusErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "consumer_bus_errors_total", Help: "Bus-level errors seen by consumer groups."},
			[]string{"group"},
		),
		HandleSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "consumer_handle_seconds", Help: "Handler latency.", Buckets: prometheus.DefBuckets},
			[]string{"group"},
		),
	}
	reg.MustRegister(m.MessagesTotal, m.BusErrors, m.HandleSeconds)
	return m
}

func (m *Metrics) message(group, eventType, status string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.MessagesTotal.WithLabelValues(group, eventType, status).Inc()
}

func (m *Metrics) busError(group string) {
	if m == nil {
		return
	}
	m.BusErrors.WithLabelValues(group).Inc()
}

func (m *Metrics) observe(group string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandleSeconds.WithLabelValues(group).Observe(d.Seconds())
}
