package metrics

import "github.com/synnove/eos/pkg/archive"

// NewArchiveMetrics creates a Prometheus-backed archive.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// Passing nil to archive.New disables archive metrics.
//
// Example usage:
//
//	metrics.InitRegistry()
//	up, err := archive.New(ctx, cfg, metrics.NewArchiveMetrics())
func NewArchiveMetrics() archive.Metrics {
	if !IsEnabled() || newPrometheusArchiveMetrics == nil {
		return nil
	}
	return newPrometheusArchiveMetrics()
}

// newPrometheusArchiveMetrics is set by pkg/metrics/prometheus, which
// imports this package.
var newPrometheusArchiveMetrics func() archive.Metrics

// RegisterArchiveMetricsConstructor registers the Prometheus archive metrics
// constructor. Called by pkg/metrics/prometheus during initialization.
func RegisterArchiveMetricsConstructor(constructor func() archive.Metrics) {
	newPrometheusArchiveMetrics = constructor
}
