package telegram

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultJoined    = "joined"
	resultNotJoined = "not_joined"
	resultError     = "error"
)

type authorityMetrics struct {
	lookups  *prometheus.CounterVec
	duration prometheus.Histogram
}

func newAuthorityMetrics(registerer prometheus.Registerer) *authorityMetrics {
	if registerer == nil {
		return nil
	}

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forcesub",
		Subsystem: "authority",
		Name:      "lookups_total",
		Help:      "getParticipant lookups by result.",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forcesub",
		Subsystem: "authority",
		Name:      "lookup_duration_seconds",
		Help:      "getParticipant latency.",
		Buckets:   prometheus.DefBuckets,
	})

	return &authorityMetrics{
		lookups:  reuseRegistered(registerer, lookups),
		duration: reuseRegistered(registerer, duration),
	}
}

func reuseRegistered[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}

	return collector
}

func (m *authorityMetrics) observe(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
}

const (
	outcomePublished   = "published"
	outcomeIgnored     = "ignored"
	outcomeDecodeError = "decode_error"
	outcomeDropped     = "dropped"
)

type driverMetrics struct {
	updates *prometheus.CounterVec
}

func newDriverMetrics(registerer prometheus.Registerer) *driverMetrics {
	if registerer == nil {
		return nil
	}

	updates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forcesub",
		Subsystem: "telegram",
		Name:      "updates_total",
		Help:      "Telegram updates by type and outcome.",
	}, []string{"type", "outcome"})

	return &driverMetrics{updates: reuseRegistered(registerer, updates)}
}

func (m *driverMetrics) observe(updateType UpdateType, outcome string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(string(updateType), outcome).Inc()
}
