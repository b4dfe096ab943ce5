package saga

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts sagas by terminal state.
type Metrics struct {
	Terminal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Terminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "saga_terminal_total", Help: "Sagas that reached a terminal state."},
			[]string{"saga_type", "state"},
		),
	}
	reg.MustRegister(m.Terminal)
	return m
}

func (m *Metrics) terminal(sagaType string, state State) {
	if m == nil {
		return
	}
	m.Terminal.WithLabelValues(sagaType, string(state)).Inc()
}
