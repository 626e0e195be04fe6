package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metrics"
)

func TestNilSafe(t *testing.T) {
	var f *FlusherMetrics
	f.SetPending("md", 1)
	f.AddEnqueued("md", 1)
	f.AddAcknowledged("md", 1)
	f.ObserveRetry("md")

	var j *JournalMetrics
	j.ObserveAppend(journal.Update, 10)
	j.ObserveCompaction("file", time.Second, nil)

	var r *RemoteMetrics
	r.ObserveHit("files")
	r.ObserveMiss("files")
	r.ObserveEviction("files")
	r.ObserveRepair("locations", 1)

	var a *archiveMetrics
	a.ObserveUpload(1, time.Second, nil)
}

func TestDisabledConstructorsReturnNil(t *testing.T) {
	metrics.Reset()
	assert.Nil(t, NewFlusherMetrics())
	assert.Nil(t, NewJournalMetrics())
	assert.Nil(t, NewRemoteMetrics())
	assert.Nil(t, metrics.NewArchiveMetrics())
}

func TestEnabledConstructors(t *testing.T) {
	metrics.Reset()
	t.Cleanup(metrics.Reset)
	reg := metrics.InitRegistry()
	assert.Same(t, reg, metrics.InitRegistry())

	require.NotNil(t, NewFlusherMetrics())
	require.NotNil(t, metrics.NewArchiveMetrics())

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestFlusherMetrics(t *testing.T) {
	m := newFlusherMetrics(prometheus.NewRegistry())

	m.SetPending("md", 5)
	m.AddEnqueued("md", 3)
	m.AddEnqueued("md", 0)
	m.AddAcknowledged("md", 2)
	m.ObserveRetry("md")
	m.ObserveRetry("md")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.pending.WithLabelValues("md")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.enqueued.WithLabelValues("md")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.acknowledged.WithLabelValues("md")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("md")))
}

func TestJournalMetrics(t *testing.T) {
	m := newJournalMetrics(prometheus.NewRegistry())

	m.ObserveAppend(journal.Update, 100)
	m.ObserveAppend(journal.Update, 20)
	m.ObserveAppend(journal.Delete, 8)
	m.ObserveCompaction("file", time.Second, nil)
	m.ObserveCompaction("file", time.Second, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.appends.WithLabelValues("update")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.appendBytes.WithLabelValues("update")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.appendBytes.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compactions.WithLabelValues("file", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compactions.WithLabelValues("file", "error")))
}

func TestRemoteMetrics(t *testing.T) {
	m := newRemoteMetrics(prometheus.NewRegistry())

	m.ObserveHit("files")
	m.ObserveHit("files")
	m.ObserveMiss("containers")
	m.ObserveEviction("files")
	m.ObserveRepair("unlinked", 3)
	m.ObserveRepair("unlinked", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.hits.WithLabelValues("files")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.misses.WithLabelValues("containers")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions.WithLabelValues("files")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.repairs.WithLabelValues("unlinked")))
}

func TestArchiveMetrics(t *testing.T) {
	m := newArchiveMetrics(prometheus.NewRegistry())

	m.ObserveUpload(10, time.Second, nil)
	m.ObserveUpload(0, time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.uploadBytes))
}
