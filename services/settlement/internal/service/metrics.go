package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SettlementsTotal *prometheus.CounterVec
	SettleDuration   *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_orders_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		SettleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_settle_duration_seconds",
			Help:    "Time spent settling one order.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if registry != nil {
		registry.MustRegister(m.SettlementsTotal, m.SettleDuration)
	}
	return m
}

func (m *Metrics) ObserveSettle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(outcome).Inc()
	m.SettleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
