package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synnove/eos/pkg/metadata/store/remote"
	"github.com/synnove/eos/pkg/metrics"
)

// RemoteMetrics is the prometheus implementation of remote.Metrics: the
// record caches and the file-system view checker.
type RemoteMetrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	repairs   *prometheus.CounterVec
}

var _ remote.Metrics = (*RemoteMetrics)(nil)

// NewRemoteMetrics returns nil if metrics are not enabled.
func NewRemoteMetrics() *RemoteMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newRemoteMetrics(metrics.GetRegistry())
}

func newRemoteMetrics(reg prometheus.Registerer) *RemoteMetrics {
	counter := func(subsystem, name, help string, label string) *prometheus.CounterVec {
		return promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			[]string{label},
		)
	}
	return &RemoteMetrics{
		hits:      counter("cache", "hits_total", "Record cache hits", "cache"),
		misses:    counter("cache", "misses_total", "Record cache misses", "cache"),
		evictions: counter("cache", "evictions_total", "Records evicted from the cache", "cache"),
		repairs:   counter("check", "repairs_total", "File-system view entries repaired by mapping", "mapping"),
	}
}

// ObserveHit implements cache.Metrics.
func (m *RemoteMetrics) ObserveHit(cache string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(cache).Inc()
}

// ObserveMiss implements cache.Metrics.
func (m *RemoteMetrics) ObserveMiss(cache string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(cache).Inc()
}

// ObserveEviction implements cache.Metrics.
func (m *RemoteMetrics) ObserveEviction(cache string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(cache).Inc()
}

// ObserveRepair implements remote.Metrics.
func (m *RemoteMetrics) ObserveRepair(mapping string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repairs.WithLabelValues(mapping).Add(float64(n))
}
