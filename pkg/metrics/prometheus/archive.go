package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synnove/eos/pkg/archive"
	"github.com/synnove/eos/pkg/metrics"
)

func init() {
	metrics.RegisterArchiveMetricsConstructor(func() archive.Metrics {
		return newArchiveMetrics(metrics.GetRegistry())
	})
}

// archiveMetrics is the prometheus implementation of archive.Metrics.
type archiveMetrics struct {
	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadDuration prometheus.Histogram
}

func newArchiveMetrics(reg prometheus.Registerer) *archiveMetrics {
	return &archiveMetrics{
		uploads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "archive",
				Name:      "uploads_total",
				Help:      "Journal uploads by status",
			},
			[]string{"status"},
		),
		uploadBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "archive",
				Name:      "upload_bytes_total",
				Help:      "Journal bytes uploaded",
			},
		),
		uploadDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "archive",
				Name:      "upload_duration_seconds",
				Help:      "Duration of one journal upload",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
		),
	}
}

func (m *archiveMetrics) ObserveUpload(bytes int64, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.uploads.WithLabelValues("error").Inc()
		return
	}
	m.uploads.WithLabelValues("success").Inc()
	m.uploadBytes.Add(float64(bytes))
	m.uploadDuration.Observe(d.Seconds())
}
