package cache

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	hits, misses, evictions atomic.Int64
}

func (m *countingMetrics) ObserveHit(string)      { m.hits.Add(1) }
func (m *countingMetrics) ObserveMiss(string)     { m.misses.Add(1) }
func (m *countingMetrics) ObserveEviction(string) { m.evictions.Add(1) }

// watermark is a settable AckFunc.
type watermark struct{ v atomic.Int64 }

func newWatermark() *watermark {
	w := &watermark{}
	w.v.Store(-1)
	return w
}

func (w *watermark) get() int64 { return w.v.Load() }

func TestGetPut(t *testing.T) {
	m := &countingMetrics{}
	c := New[uint64, string]("files", 4, nil, m)

	_, st := c.Get(1)
	assert.Equal(t, Miss, st)

	v, ok := c.Put(1, "one", 1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	v, st = c.Get(1)
	assert.Equal(t, Hit, st)
	assert.Equal(t, "one", v)

	assert.EqualValues(t, 1, m.hits.Load())
	assert.EqualValues(t, 1, m.misses.Load())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 4, c.Capacity())
}

func TestPutKeepsHigherVersion(t *testing.T) {
	c := New[uint64, string]("files", 4, nil, nil)

	c.Put(1, "v5", 5)
	v, ok := c.Put(1, "v3", 3)
	assert.True(t, ok)
	assert.Equal(t, "v5", v, "a lower clock must not replace the cached entry")

	v, _ = c.Put(1, "v5-again", 5)
	assert.Equal(t, "v5-again", v, "an equal clock replaces the entry")

	v, _ = c.Put(1, "v9", 9)
	assert.Equal(t, "v9", v)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	m := &countingMetrics{}
	c := New[uint64, string]("files", 3, nil, m)

	c.Put(1, "a", 1)
	c.Put(2, "b", 1)
	c.Put(3, "c", 1)
	c.Get(1)
	c.Put(4, "d", 1)

	_, st := c.Get(2)
	assert.Equal(t, Miss, st, "2 was the least recently used entry")
	assert.ElementsMatch(t, []uint64{1, 3, 4}, c.Keys())
	assert.EqualValues(t, 1, m.evictions.Load())
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	w := newWatermark()
	c := New[uint64, string]("files", 2, w.get, nil)

	c.Put(1, "a", 1)
	c.Pin(1, 10)
	c.Put(2, "b", 1)
	c.Pin(2, 11)
	c.Put(3, "c", 1)

	assert.Equal(t, 3, c.Len(), "every older entry is pinned, so the cache grows")
	assert.Equal(t, []uint64{3, 2, 1}, c.Keys())

	// Acknowledging index 10 releases entry 1; entry 3 was never pinned.
	w.v.Store(10)
	c.Put(4, "d", 1)
	assert.Equal(t, []uint64{4, 2}, c.Keys())

	w.v.Store(11)
	c.Put(5, "e", 1)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []uint64{5, 4}, c.Keys())
}

func TestPutPinnedSurvivesFullCache(t *testing.T) {
	w := newWatermark()
	c := New[uint64, string]("files", 2, w.get, nil)

	c.PutPinned(1, "a", 1, 10)
	c.PutPinned(2, "b", 1, 11)
	v, ok := c.PutPinned(3, "c", 1, 12)
	require.True(t, ok)
	assert.Equal(t, "c", v)
	assert.Equal(t, []uint64{3, 2, 1}, c.Keys())

	for _, k := range []uint64{1, 2, 3} {
		_, st := c.Get(k)
		assert.Equal(t, Hit, st, "key %d", k)
	}

	// Once everything is acknowledged only the newest insert stays over
	// the older entries.
	w.v.Store(12)
	c.PutPinned(4, "d", 1, 13)
	assert.Equal(t, 2, c.Len())
	_, st := c.Get(4)
	assert.Equal(t, Hit, st)
}

func TestIsDeleted(t *testing.T) {
	w := newWatermark()
	c := New[uint64, string]("files", 2, w.get, nil)

	assert.False(t, c.IsDeleted(1))
	c.Put(1, "a", 1)
	assert.False(t, c.IsDeleted(1))
	c.Tombstone(1, 5)
	assert.True(t, c.IsDeleted(1))

	_, ok := c.PutPinned(1, "stale", 1, 6)
	assert.False(t, ok, "a pinned tombstone wins")

	w.v.Store(5)
	assert.False(t, c.IsDeleted(1))
}

func TestPinOnlyExtends(t *testing.T) {
	w := newWatermark()
	c := New[uint64, string]("files", 2, w.get, nil)

	c.Put(1, "a", 1)
	c.Pin(1, 20)
	c.Pin(1, 5)
	c.Put(2, "b", 1)
	w.v.Store(5)
	c.Put(3, "c", 1)
	assert.Equal(t, []uint64{3, 1}, c.Keys(), "the earlier pin at 20 still holds")
}

func TestTombstone(t *testing.T) {
	w := newWatermark()
	c := New[uint64, string]("files", 8, w.get, nil)

	c.Put(1, "a", 3)
	c.Tombstone(1, 7)

	_, st := c.Get(1)
	assert.Equal(t, Deleted, st)

	// A stale fetch arriving before the delete is flushed is rejected.
	_, ok := c.Put(1, "stale", 3)
	assert.False(t, ok)
	_, st = c.Get(1)
	assert.Equal(t, Deleted, st)

	// Once acknowledged the tombstone expires and the id is a plain miss.
	w.v.Store(7)
	_, st = c.Get(1)
	assert.Equal(t, Miss, st)
	assert.Equal(t, 0, c.Len())

	// Tombstones can be placed on ids that are not cached.
	c.Tombstone(2, 8)
	_, st = c.Get(2)
	assert.Equal(t, Deleted, st)
	assert.Empty(t, c.Keys())
}

func TestRemoveIgnoresPins(t *testing.T) {
	c := New[uint64, string]("files", 2, nil, nil)
	c.Put(1, "a", 1)
	c.Pin(1, 100)
	c.Remove(1)
	_, st := c.Get(1)
	assert.Equal(t, Miss, st)
}

func TestWithoutAckPinsNeverExpire(t *testing.T) {
	c := New[uint64, string]("files", 1, nil, nil)
	c.Put(1, "a", 1)
	c.Pin(1, 0)
	c.Put(2, "b", 1)
	assert.Equal(t, []uint64{1}, c.Keys())
}

func TestConcurrentAccess(t *testing.T) {
	w := newWatermark()
	c := New[string, int]("containers", 64, w.get, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := strconv.Itoa((g*500 + i) % 200)
				c.Put(key, i, uint64(i))
				c.Get(key)
				if i%10 == 0 {
					c.Pin(key, int64(i))
					w.v.Store(int64(i))
				}
			}
		}(g)
	}
	wg.Wait()

	require.LessOrEqual(t, c.Len(), 200)
}
