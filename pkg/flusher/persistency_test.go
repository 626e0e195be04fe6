package flusher

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/kv"
)

type persistencyCase struct {
	name string
	open func(t *testing.T, dir string) Persistency
	// durable reports whether entries survive reopening dir.
	durable bool
}

func persistencyCases() []persistencyCase {
	return []persistencyCase{
		{"Memory", func(t *testing.T, dir string) Persistency { return NewMemoryPersistency() }, false},
		{"Mmap", func(t *testing.T, dir string) Persistency {
			p, err := OpenMmapPersistency(dir)
			require.NoError(t, err)
			return p
		}, true},
		{"Badger", func(t *testing.T, dir string) Persistency {
			p, err := OpenBadgerPersistency(dir)
			require.NoError(t, err)
			return p
		}, true},
	}
}

func hset(i int) kv.Command {
	return kv.Command{"HSET", strconv.Itoa(i%4) + ":f_bucket", strconv.Itoa(i), "payload-" + strconv.Itoa(i)}
}

func TestCommandEncoding(t *testing.T) {
	for _, cmd := range []kv.Command{
		{"DEL", "meta_map"},
		{"HSET", "1:f_bucket", "1", ""},
		{"HSET", "k", "f", "\x00\x01binary\xff"},
		{"SREM", "files_check_set", "1", "2", "3"},
	} {
		got, err := decodeCommand(encodeCommand(cmd))
		require.NoError(t, err)
		assert.Equal(t, cmd, got)
	}

	_, err := decodeCommand(nil)
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = decodeCommand([]byte{0x0a, 0x05, 'a'})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestPersistency(t *testing.T) {
	for _, tc := range persistencyCases() {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			p := tc.open(t, dir)

			assert.EqualValues(t, 0, p.StartingIndex())
			assert.EqualValues(t, 0, p.EndingIndex())

			for i := 0; i < 10; i++ {
				require.NoError(t, p.Record(int64(i), hset(i)))
			}
			assert.ErrorIs(t, p.Record(3, hset(3)), ErrOutOfRange)
			assert.EqualValues(t, 10, p.EndingIndex())

			cmd, err := p.Retrieve(4)
			require.NoError(t, err)
			assert.Equal(t, hset(4), cmd)

			require.NoError(t, p.Pop(3))
			assert.EqualValues(t, 3, p.StartingIndex())
			_, err = p.Retrieve(2)
			assert.ErrorIs(t, err, ErrOutOfRange)
			assert.ErrorIs(t, p.Pop(8), ErrOutOfRange)

			require.NoError(t, p.Close())
			_, err = p.Retrieve(5)
			assert.ErrorIs(t, err, ErrPersistencyClosed)

			if !tc.durable {
				return
			}
			p = tc.open(t, dir)
			defer p.Close()

			assert.EqualValues(t, 3, p.StartingIndex())
			assert.EqualValues(t, 10, p.EndingIndex())
			for i := 3; i < 10; i++ {
				cmd, err := p.Retrieve(int64(i))
				require.NoError(t, err)
				assert.Equal(t, hset(i), cmd)
			}

			require.NoError(t, p.Pop(7))
			require.NoError(t, p.Record(10, hset(10)))
			cmd, err = p.Retrieve(10)
			require.NoError(t, err)
			assert.Equal(t, hset(10), cmd)
		})
	}
}

func TestMmapPersistencyCompactsBeforeGrowing(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenMmapPersistency(dir)
	require.NoError(t, err)

	big := func(i int) kv.Command {
		return kv.Command{"HSET", "k", strconv.Itoa(i), strings.Repeat("x", 64*1024)}
	}

	for i := 0; i < 60; i++ {
		require.NoError(t, p.Record(int64(i), big(i)))
	}
	require.NoError(t, p.Pop(55))
	for i := 60; i < 70; i++ {
		require.NoError(t, p.Record(int64(i), big(i)))
	}
	assert.EqualValues(t, mmapInitialSize, p.size, "live entries should have moved down instead of growing")
	assert.EqualValues(t, mmapHeaderSize, p.head)

	require.NoError(t, p.Close())
	p, err = OpenMmapPersistency(dir)
	require.NoError(t, err)
	defer p.Close()

	assert.EqualValues(t, 55, p.StartingIndex())
	assert.EqualValues(t, 70, p.EndingIndex())
	for i := 55; i < 70; i++ {
		cmd, err := p.Retrieve(int64(i))
		require.NoError(t, err)
		assert.Equal(t, big(i), cmd)
	}
}

func TestMmapPersistencyGrows(t *testing.T) {
	p, err := OpenMmapPersistency(t.TempDir())
	require.NoError(t, err)
	defer p.Close()

	value := strings.Repeat("y", 1024*1024)
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Record(int64(i), kv.Command{"HSET", "k", "f", value}))
	}
	assert.Greater(t, p.size, uint64(mmapInitialSize))

	cmd, err := p.Retrieve(5)
	require.NoError(t, err)
	assert.Equal(t, value, cmd[3])
}

func TestMmapPersistencyGrowthFailureKeepsLog(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenMmapPersistency(dir)
	require.NoError(t, err)
	defer p.Close()

	value := strings.Repeat("z", 1024*1024)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Record(int64(i), kv.Command{"HSET", "k", strconv.Itoa(i), value}))
	}

	grow := growFile
	growFile = func(*os.File, int64) error { return syscall.ENOSPC }
	defer func() { growFile = grow }()

	err = p.Record(3, kv.Command{"HSET", "k", "3", value})
	require.ErrorIs(t, err, syscall.ENOSPC)
	assert.EqualValues(t, mmapInitialSize, p.size)
	assert.EqualValues(t, 3, p.EndingIndex())

	// The mapping is intact: reads, pops and the header still work.
	cmd, err := p.Retrieve(2)
	require.NoError(t, err)
	assert.Equal(t, "2", cmd[2])
	require.NoError(t, p.Pop(1))

	growFile = grow
	require.NoError(t, p.Record(3, kv.Command{"HSET", "k", "3", value}))
	require.NoError(t, p.Record(4, kv.Command{"HSET", "k", "4", value}))
	assert.Greater(t, p.size, uint64(mmapInitialSize))

	require.NoError(t, p.Close())
	p, err = OpenMmapPersistency(dir)
	require.NoError(t, err)
	defer p.Close()
	assert.EqualValues(t, 1, p.StartingIndex())
	assert.EqualValues(t, 5, p.EndingIndex())
	cmd, err = p.Retrieve(4)
	require.NoError(t, err)
	assert.Equal(t, "4", cmd[2])
}

func TestMmapPersistencyRewindsWhenDrained(t *testing.T) {
	p, err := OpenMmapPersistency(t.TempDir())
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Record(int64(i), hset(i)))
	}
	require.NoError(t, p.Pop(5))
	assert.EqualValues(t, mmapHeaderSize, p.next)
	assert.EqualValues(t, 5, p.StartingIndex())
	assert.EqualValues(t, 5, p.EndingIndex())
}

func TestMmapPersistencyRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenMmapPersistency(dir)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	path := filepath.Join(dir, mmapFileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("NOPE"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenMmapPersistency(dir)
	assert.ErrorIs(t, err, ErrCorrupted)
}
