package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BidsTotal            *prometheus.CounterVec
	BidDuration          *prometheus.HistogramVec
	ReconcileTotal       *prometheus.CounterVec
	ReconcileDuration    prometheus.Histogram
	PendingSwept         *prometheus.CounterVec
	LifecycleTransitions *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		BidsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auction_bids_total",
				Help: "Total bid requests by outcome.",
			},
			[]string{"outcome"},
		),
		BidDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auction_bid_duration_seconds",
				Help:    "Bid acceptance duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auction_reconcile_total",
				Help: "Total durable bid write-backs by status.",
			},
			[]string{"status"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auction_reconcile_duration_seconds",
				Help:    "Durable bid write-back duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		PendingSwept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auction_pending_swept_total",
				Help: "Pending bid records handled by the sweep.",
			},
			[]string{"action"},
		),
		LifecycleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auction_lifecycle_transitions_total",
				Help: "Auction lifecycle transitions by target status.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.BidsTotal,
		m.BidDuration,
		m.ReconcileTotal,
		m.ReconcileDuration,
		m.PendingSwept,
		m.LifecycleTransitions,
	)
	return m
}

func (m *Metrics) ObserveBid(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BidsTotal.WithLabelValues(outcome).Inc()
	m.BidDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveReconcile(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(status).Inc()
	m.ReconcileDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncPendingSwept(action string) {
	if m == nil {
		return
	}
	m.PendingSwept.WithLabelValues(action).Inc()
}

func (m *Metrics) IncLifecycle(status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.LifecycleTransitions.WithLabelValues(status).Add(float64(count))
}
