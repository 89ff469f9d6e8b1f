package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts routed interactions. A nil *Metrics records nothing.
type Metrics struct {
	routed *prometheus.CounterVec
}

// NewMetrics creates dispatcher collectors and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forcesub",
				Subsystem: "dispatch",
				Name:      "events_total",
				Help:      "Interaction events by kind and route taken.",
			},
			[]string{"kind", "route"},
		),
	}
	if registerer != nil {
		if err := registerer.Register(metrics.routed); err != nil {
			return nil, err
		}
	}

	return metrics, nil
}

func (m *Metrics) observe(kind string, route string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(kind, route).Inc()
}
