package s3

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the S3 service.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // verso_s3_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // verso_s3_request_duration_seconds{operation}

	// Transfer metrics
	BytesUploaded   prometheus.Counter // verso_s3_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // verso_s3_bytes_downloaded_total

	// Version chain metrics
	VersionWrites *prometheus.CounterVec // verso_s3_version_writes_total{action}
	WriteRetries  prometheus.Counter     // verso_s3_write_conflict_retries_total

	// Storage metrics
	QuotaUsedBytes *prometheus.GaugeVec // verso_quota_used_bytes{bucket}
}

// NewMetrics registers S3 metrics with registry. Returns nil if registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}
	return &Metrics{
		RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "verso_s3_requests_total",
			Help: "Total S3 requests by operation and status",
		}, []string{"operation", "status"}),

		RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verso_s3_request_duration_seconds",
			Help:    "S3 request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "verso_s3_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		}),

		BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "verso_s3_bytes_downloaded_total",
			Help: "Total bytes downloaded",
		}),

		VersionWrites: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "verso_s3_version_writes_total",
			Help: "Committed metadata writes by version chain action",
		}, []string{"action"}),

		WriteRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "verso_s3_write_conflict_retries_total",
			Help: "Metadata writes retried after a conditional write conflict",
		}),

		QuotaUsedBytes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "verso_quota_used_bytes",
			Help: "Bytes accounted against quota per bucket",
		}, []string{"bucket"}),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation string, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes downloaded.
func (m *Metrics) RecordDownload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesDownloaded.Add(float64(bytes))
}

func (m *Metrics) recordWrite(action string) {
	if m == nil {
		return
	}
	m.VersionWrites.WithLabelValues(action).Inc()
}

func (m *Metrics) recordRetry() {
	if m == nil {
		return
	}
	m.WriteRetries.Inc()
}

func (m *Metrics) setQuotaUsed(bucket string, bytes int64) {
	if m == nil {
		return
	}
	m.QuotaUsedBytes.WithLabelValues(bucket).Set(float64(bytes))
}
