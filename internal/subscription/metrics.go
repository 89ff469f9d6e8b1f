package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records membership cache activity. A nil *Metrics records nothing.
type Metrics struct {
	lookups       *prometheus.CounterVec
	checks        *prometheus.CounterVec
	checkDuration prometheus.Histogram
	swept         prometheus.Counter
	sweepErrors   prometheus.Counter
	buckets       prometheus.Gauge
	activeChans   prometheus.Gauge
}

// NewMetrics creates membership collectors and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forcesub",
				Subsystem: "membership",
				Name:      "lookups_total",
				Help:      "Gating lookups by outcome (hit answered from cache, miss needed the authority).",
			},
			[]string{"outcome"},
		),
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forcesub",
				Subsystem: "membership",
				Name:      "authority_checks_total",
				Help:      "Batched membership authority checks by result.",
			},
			[]string{"result"},
		),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forcesub",
			Subsystem: "membership",
			Name:      "authority_check_duration_seconds",
			Help:      "Latency of batched membership authority checks.",
			Buckets:   prometheus.DefBuckets,
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forcesub",
			Subsystem: "membership",
			Name:      "swept_facts_total",
			Help:      "Expired membership facts removed by the sweeper.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forcesub",
			Subsystem: "membership",
			Name:      "sweep_errors_total",
			Help:      "Sweep iterations that failed or panicked.",
		}),
		buckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forcesub",
			Subsystem: "membership",
			Name:      "cached_users",
			Help:      "Users with at least one cached membership fact after the last sweep.",
		}),
		activeChans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forcesub",
			Subsystem: "membership",
			Name:      "active_channels",
			Help:      "Channels currently participating in gating.",
		}),
	}

	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{
		metrics.lookups,
		metrics.checks,
		metrics.checkDuration,
		metrics.swept,
		metrics.sweepErrors,
		metrics.buckets,
		metrics.activeChans,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return metrics, nil
}

func (m *Metrics) observeLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeCheck(seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checks.WithLabelValues(result).Inc()
	m.checkDuration.Observe(seconds)
}

func (m *Metrics) observeSweep(removed int, users int) {
	if m == nil {
		return
	}
	m.swept.Add(float64(removed))
	m.buckets.Set(float64(users))
}

func (m *Metrics) observeSweepError() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}

func (m *Metrics) setActiveChannels(count int) {
	if m == nil {
		return
	}
	m.activeChans.Set(float64(count))
}
