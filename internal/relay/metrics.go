package relay

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	forwarded *prometheus.CounterVec
	received  *prometheus.CounterVec
}

// newMetrics registers relay counters. Already registered collectors are reused.
func newMetrics(registerer prometheus.Registerer) *metrics {
	if registerer == nil {
		return nil
	}

	return &metrics{
		forwarded: registerCounterVec(registerer, prometheus.CounterOpts{
			Namespace: "forcesub",
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Domain events published to peer replicas.",
		}),
		received: registerCounterVec(registerer, prometheus.CounterOpts{
			Namespace: "forcesub",
			Subsystem: "relay",
			Name:      "received_total",
			Help:      "Messages received from peer replicas by result.",
		}),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(opts, []string{"result"})
	if err := registerer.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		return counter
	}

	return counter
}

func (m *metrics) observeForward(result string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(result).Inc()
}

func (m *metrics) observeReceive(result string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(result).Inc()
}
