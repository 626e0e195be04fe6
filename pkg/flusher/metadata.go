package flusher

import (
	"context"
	"strconv"
	"time"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/kv"
)

// MonitorInterval is how often a MetadataFlusher reports its queue.
const MonitorInterval = 10 * time.Second

// QueueMetrics receives the periodic queue report. A nil QueueMetrics is valid.
type QueueMetrics interface {
	Metrics
	SetPending(flusher string, n int64)
	AddEnqueued(flusher string, n int64)
	AddAcknowledged(flusher string, n int64)
}

// MetadataFlusher wraps a BackgroundFlusher with the namespace's write
// commands and a queue monitor.
type MetadataFlusher struct {
	*BackgroundFlusher

	metrics  QueueMetrics
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMetadataFlusher wraps bf. The monitor runs from Start to Stop.
func NewMetadataFlusher(bf *BackgroundFlusher, metrics QueueMetrics) *MetadataFlusher {
	return &MetadataFlusher{BackgroundFlusher: bf, metrics: metrics, interval: MonitorInterval}
}

// HSet queues HSET key field value.
func (m *MetadataFlusher) HSet(key, field, value string) int64 {
	return m.PushRequest(kv.Command{"HSET", key, field, value})
}

// HIncrBy queues HINCRBY key field delta.
func (m *MetadataFlusher) HIncrBy(key, field string, delta int64) int64 {
	return m.PushRequest(kv.Command{"HINCRBY", key, field, strconv.FormatInt(delta, 10)})
}

// Del queues DEL key.
func (m *MetadataFlusher) Del(key string) int64 {
	return m.PushRequest(kv.Command{"DEL", key})
}

// HDel queues HDEL key field.
func (m *MetadataFlusher) HDel(key, field string) int64 {
	return m.PushRequest(kv.Command{"HDEL", key, field})
}

// SAdd queues SADD key member.
func (m *MetadataFlusher) SAdd(key, member string) int64 {
	return m.PushRequest(kv.Command{"SADD", key, member})
}

// SRem queues SREM key member.
func (m *MetadataFlusher) SRem(key, member string) int64 {
	return m.PushRequest(kv.Command{"SREM", key, member})
}

// SRemList queues one SREM of every member. An empty list queues nothing
// and returns the last pushed index.
func (m *MetadataFlusher) SRemList(key string, members []string) int64 {
	if len(members) == 0 {
		return m.EndingIndex() - 1
	}
	cmd := make(kv.Command, 0, len(members)+2)
	cmd = append(cmd, "SREM", key)
	cmd = append(cmd, members...)
	return m.PushRequest(cmd)
}

// Synchronize blocks until target is acknowledged. A negative target means
// the last command pushed so far. Only ctx cancellation ends the wait early.
func (m *MetadataFlusher) Synchronize(ctx context.Context, target int64) error {
	if target < 0 {
		target = m.EndingIndex() - 1
	}

	logger.InfoCtx(ctx, "Waiting until queue item has been acknowledged",
		logger.KeyFlusher, m.ID(), logger.KeyIndex, target,
		"starting_index", m.StartingIndex(), "ending_index", m.EndingIndex())

	for !m.WaitForIndex(target, time.Second) {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.WarnCtx(ctx, "Queue item has not been acknowledged yet",
			logger.KeyFlusher, m.ID(), logger.KeyIndex, target,
			"starting_index", m.StartingIndex(), "ending_index", m.EndingIndex())
	}

	logger.InfoCtx(ctx, "Queue item has been acknowledged",
		logger.KeyFlusher, m.ID(), logger.KeyIndex, target)
	return nil
}

// Start launches the background loop and the queue monitor.
func (m *MetadataFlusher) Start(ctx context.Context) error {
	if err := m.BackgroundFlusher.Start(ctx); err != nil {
		return err
	}
	if m.done != nil {
		return nil
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.monitor(ctx)
	return nil
}

// Stop ends the monitor and the background loop.
func (m *MetadataFlusher) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.BackgroundFlusher.Stop()
}

// Close stops the flusher and closes its persistency.
func (m *MetadataFlusher) Close() error {
	m.Stop()
	return m.persist.Close()
}

func (m *MetadataFlusher) monitor(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.report()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MetadataFlusher) report() {
	pending := m.Size()
	enqueued := m.EnqueuedAndClear()
	acknowledged := m.AcknowledgedAndClear()

	logger.Info("Flusher queue",
		logger.KeyFlusher, m.ID(), logger.KeyPending, pending,
		"enqueued", enqueued, "acknowledged", acknowledged)

	if m.metrics != nil {
		m.metrics.SetPending(m.ID(), pending)
		m.metrics.AddEnqueued(m.ID(), enqueued)
		m.metrics.AddAcknowledged(m.ID(), acknowledged)
	}
}
