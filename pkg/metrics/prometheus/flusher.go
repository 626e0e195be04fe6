// Package prometheus implements the metrics interfaces of the namespace
// packages with prometheus collectors.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synnove/eos/pkg/flusher"
	"github.com/synnove/eos/pkg/metrics"
)

// FlusherMetrics is the prometheus implementation of flusher.QueueMetrics.
type FlusherMetrics struct {
	pending      *prometheus.GaugeVec
	enqueued     *prometheus.CounterVec
	acknowledged *prometheus.CounterVec
	retries      *prometheus.CounterVec
}

var _ flusher.QueueMetrics = (*FlusherMetrics)(nil)

// NewFlusherMetrics returns nil if metrics are not enabled.
func NewFlusherMetrics() *FlusherMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newFlusherMetrics(metrics.GetRegistry())
}

func newFlusherMetrics(reg prometheus.Registerer) *FlusherMetrics {
	return &FlusherMetrics{
		pending: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "flusher",
				Name:      "pending",
				Help:      "Commands queued and not yet acknowledged",
			},
			[]string{"flusher"},
		),
		enqueued: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "flusher",
				Name:      "enqueued_total",
				Help:      "Commands pushed to the queue",
			},
			[]string{"flusher"},
		),
		acknowledged: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "flusher",
				Name:      "acknowledged_total",
				Help:      "Commands applied by the remote store",
			},
			[]string{"flusher"},
		),
		retries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "flusher",
				Name:      "retries_total",
				Help:      "Batches sent again after a failure",
			},
			[]string{"flusher"},
		),
	}
}

// SetPending implements flusher.QueueMetrics.
func (m *FlusherMetrics) SetPending(id string, n int64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(id).Set(float64(n))
}

// AddEnqueued implements flusher.QueueMetrics.
func (m *FlusherMetrics) AddEnqueued(id string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.enqueued.WithLabelValues(id).Add(float64(n))
}

// AddAcknowledged implements flusher.QueueMetrics.
func (m *FlusherMetrics) AddAcknowledged(id string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.acknowledged.WithLabelValues(id).Add(float64(n))
}

// ObserveRetry implements flusher.Metrics.
func (m *FlusherMetrics) ObserveRetry(id string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(id).Inc()
}
