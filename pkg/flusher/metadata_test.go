package flusher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/kv"
)

type queueMetrics struct {
	mu       sync.Mutex
	pending  map[string]int64
	enqueued map[string]int64
	acked    map[string]int64
	retries  int
}

func newQueueMetrics() *queueMetrics {
	return &queueMetrics{pending: map[string]int64{}, enqueued: map[string]int64{}, acked: map[string]int64{}}
}

func (m *queueMetrics) ObserveRetry(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *queueMetrics) SetPending(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[id] = n
}

func (m *queueMetrics) AddEnqueued(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued[id] += n
}

func (m *queueMetrics) AddAcknowledged(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked[id] += n
}

func (m *queueMetrics) acknowledged(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked[id]
}

func newMetadataFlusher(t *testing.T, c kv.Client, metrics QueueMetrics) *MetadataFlusher {
	t.Helper()
	bf := newFlusher(t, c, NewMemoryPersistency(), nil, Options{ID: "md"})
	return NewMetadataFlusher(bf, metrics)
}

func TestMetadataFlusherCommands(t *testing.T) {
	p := NewMemoryPersistency()
	bf, err := New(newFlakyClient(t), p, nil, Options{ID: "md"})
	require.NoError(t, err)
	m := NewMetadataFlusher(bf, nil)
	defer m.Close()

	m.HSet("1:f_bucket", "1", "rec")
	m.HIncrBy("meta_map", "last_used_fid", -3)
	m.Del("2:map_files")
	m.HDel("1:f_bucket", "1")
	m.SAdd("files_check_set", "7")
	m.SRem("files_check_set", "7")
	last := m.SRemList("fsview:1:files", []string{"7", "8"})
	assert.EqualValues(t, 6, last)
	assert.EqualValues(t, 6, m.SRemList("fsview:1:files", nil))

	want := []kv.Command{
		{"HSET", "1:f_bucket", "1", "rec"},
		{"HINCRBY", "meta_map", "last_used_fid", "-3"},
		{"DEL", "2:map_files"},
		{"HDEL", "1:f_bucket", "1"},
		{"SADD", "files_check_set", "7"},
		{"SREM", "files_check_set", "7"},
		{"SREM", "fsview:1:files", "7", "8"},
	}
	for i, cmd := range want {
		got, err := p.Retrieve(int64(i))
		require.NoError(t, err)
		assert.Equal(t, cmd, got)
		_, err = cmd.Parse()
		assert.NoError(t, err, "%v must be a valid command", cmd)
	}
}

func TestSynchronize(t *testing.T) {
	c := newFlakyClient(t)
	m := newMetadataFlusher(t, c, nil)

	// Nothing pushed yet: the latest index is -1, which is already acknowledged.
	require.NoError(t, m.Synchronize(t.Context(), -1))

	require.NoError(t, m.Start(t.Context()))
	for i := 0; i < 20; i++ {
		m.HSet("1:f_bucket", "f", "v")
	}
	require.NoError(t, m.Synchronize(t.Context(), -1))
	assert.EqualValues(t, 0, m.Size())
}

func TestSynchronizeHonorsContext(t *testing.T) {
	m := newMetadataFlusher(t, newFlakyClient(t), nil)
	m.HSet("1:f_bucket", "f", "v")

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	err := m.Synchronize(ctx, -1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMonitorFeedsMetrics(t *testing.T) {
	metrics := newQueueMetrics()
	m := newMetadataFlusher(t, newFlakyClient(t), metrics)
	m.interval = 10 * time.Millisecond

	require.NoError(t, m.Start(t.Context()))
	for i := 0; i < 10; i++ {
		m.SAdd("files_check_set", "1")
	}
	require.NoError(t, m.Synchronize(t.Context(), -1))

	assert.Eventually(t, func() bool { return metrics.acknowledged("md") == 10 },
		5*time.Second, 10*time.Millisecond)
	m.Stop()
}
