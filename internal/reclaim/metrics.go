package reclaim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the reclaim queue. A nil *Metrics
// records nothing.
type Metrics struct {
	Enqueued prometheus.Counter     // verso_reclaim_enqueued_total
	Deleted  prometheus.Counter     // verso_reclaim_deleted_total
	Skipped  *prometheus.CounterVec // verso_reclaim_skipped_total{reason}
	Failed   prometheus.Counter     // verso_reclaim_failed_total
	Pending  prometheus.Gauge       // verso_reclaim_pending
}

// NewMetrics registers reclaim metrics with reg. Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	return &Metrics{
		Enqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_reclaim_enqueued_total",
			Help: "Locations queued for reclaim",
		}),
		Deleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_reclaim_deleted_total",
			Help: "Locations deleted from their backend",
		}),
		Skipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verso_reclaim_skipped_total",
			Help: "Reclaim candidates skipped by reason",
		}, []string{"reason"}),
		Failed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_reclaim_failed_total",
			Help: "Reclaim candidates abandoned after retries",
		}),
		Pending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "verso_reclaim_pending",
			Help: "Reclaim candidates waiting to be processed",
		}),
	}
}

func (m *Metrics) enqueued() {
	if m != nil {
		m.Enqueued.Inc()
	}
}

func (m *Metrics) delete() {
	if m != nil {
		m.Deleted.Inc()
	}
}

func (m *Metrics) skip(reason string) {
	if m != nil {
		m.Skipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) fail() {
	if m != nil {
		m.Failed.Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}
