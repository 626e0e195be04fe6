package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata/store/changelog"
	"github.com/synnove/eos/pkg/metrics"
)

// JournalMetrics is the prometheus implementation of changelog.Metrics.
type JournalMetrics struct {
	appends            *prometheus.CounterVec
	appendBytes        *prometheus.CounterVec
	compactions        *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec
}

var _ changelog.Metrics = (*JournalMetrics)(nil)

// NewJournalMetrics returns nil if metrics are not enabled.
func NewJournalMetrics() *JournalMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newJournalMetrics(metrics.GetRegistry())
}

func newJournalMetrics(reg prometheus.Registerer) *JournalMetrics {
	return &JournalMetrics{
		appends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "journal",
				Name:      "appends_total",
				Help:      "Records appended by type",
			},
			[]string{"type"},
		),
		appendBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "journal",
				Name:      "append_bytes_total",
				Help:      "Payload bytes appended by record type",
			},
			[]string{"type"},
		),
		compactions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "journal",
				Name:      "compactions_total",
				Help:      "Finished compactions by journal kind and status",
			},
			[]string{"kind", "status"},
		),
		compactionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "journal",
				Name:      "compaction_duration_seconds",
				Help:      "Wall time of a compaction from prepare to commit",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"kind"},
		),
	}
}

// ObserveAppend implements journal.Metrics.
func (m *JournalMetrics) ObserveAppend(t journal.RecordType, bytes int) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(t.String()).Inc()
	m.appendBytes.WithLabelValues(t.String()).Add(float64(bytes))
}

// ObserveCompaction implements changelog.Metrics.
func (m *JournalMetrics) ObserveCompaction(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.compactions.WithLabelValues(kind, status).Inc()
	m.compactionDuration.WithLabelValues(kind).Observe(d.Seconds())
}
