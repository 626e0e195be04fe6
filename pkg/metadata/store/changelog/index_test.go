package changelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdIndex(t *testing.T) {
	x := NewIdIndex[string]()
	x.Put(3, 300, "c")
	x.Put(1, 500, "a")
	x.Put(2, 100, "b")

	t.Run("Snapshot", func(t *testing.T) {
		assert.Equal(t, []OffsetID{{100, 2}, {300, 3}, {500, 1}}, x.Snapshot())
	})

	t.Run("Objects", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b", "c"}, x.Objects())
	})

	t.Run("SetOffset", func(t *testing.T) {
		require.True(t, x.SetOffset(3, 900))
		_, off, ok := x.Get(3)
		require.True(t, ok)
		assert.EqualValues(t, 900, off)
		assert.False(t, x.SetOffset(42, 1))
	})

	t.Run("DeleteHandsBackObject", func(t *testing.T) {
		obj, ok := x.Delete(2)
		require.True(t, ok)
		assert.Equal(t, "b", obj)
		_, ok = x.Delete(2)
		assert.False(t, ok)
		assert.Equal(t, 2, x.Len())
	})

	t.Run("RangeAndMaxID", func(t *testing.T) {
		seen := map[uint64]string{}
		x.Range(func(id, _ uint64, obj string) bool {
			seen[id] = obj
			return true
		})
		assert.Equal(t, map[uint64]string{1: "a", 3: "c"}, seen)
		assert.EqualValues(t, 3, x.MaxID())
	})

	t.Run("Reset", func(t *testing.T) {
		x.Reset()
		assert.Zero(t, x.Len())
		assert.Zero(t, x.MaxID())
	})
}
