package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMaster(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(path, ModeMaster, FileMagic)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func collect(t *testing.T, j *Journal, from uint64) ([]Record, uint64) {
	t.Helper()
	var recs []Record
	next, err := j.Scan(from, func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	return recs, next
}

// ============================================================================
// Append / ReadAt / Scan
// ============================================================================

func TestJournal_AppendAndReadAt(t *testing.T) {
	j := openMaster(t, filepath.Join(t.TempDir(), "files.mdlog"))

	off1, err := j.Append(Update, []byte("first"))
	require.NoError(t, err)
	off2, err := j.Append(Delete, []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, uint64(HeaderSize), off1)
	assert.Greater(t, off2, off1)
	assert.Equal(t, off2+recordHeaderSize+6, j.NextOffset())

	rec, err := j.ReadAt(off2)
	require.NoError(t, err)
	assert.Equal(t, Delete, rec.Type)
	assert.Equal(t, []byte("second"), rec.Payload)
}

func TestJournal_EmptyJournalScan(t *testing.T) {
	j := openMaster(t, filepath.Join(t.TempDir(), "files.mdlog"))

	recs, next := collect(t, j, j.FirstOffset())
	assert.Empty(t, recs)
	assert.Equal(t, uint64(HeaderSize), next)
}

func TestJournal_ScanInOrder(t *testing.T) {
	j := openMaster(t, filepath.Join(t.TempDir(), "files.mdlog"))
	for i := 0; i < 100; i++ {
		_, err := j.Append(Update, []byte(fmt.Sprintf("record-%03d", i)))
		require.NoError(t, err)
	}

	recs, next := collect(t, j, j.FirstOffset())
	require.Len(t, recs, 100)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("record-%03d", i), string(r.Payload))
	}
	assert.Equal(t, j.NextOffset(), next)
}

func TestJournal_ScanResumesFromReturnedOffset(t *testing.T) {
	j := openMaster(t, filepath.Join(t.TempDir(), "files.mdlog"))
	_, err := j.Append(Update, []byte("a"))
	require.NoError(t, err)

	_, next := collect(t, j, j.FirstOffset())

	_, err = j.Append(Update, []byte("b"))
	require.NoError(t, err)

	recs, _ := collect(t, j, next)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", string(recs[0].Payload))
}

func TestJournal_StopAtCompactionMark(t *testing.T) {
	j := openMaster(t, filepath.Join(t.TempDir(), "files.mdlog"))
	_, _ = j.Append(Update, []byte("snapshot"))
	_, _ = j.Append(CompactionMark, nil)
	_, _ = j.Append(Update, []byte("after"))

	var seen []RecordType
	next, err := j.Scan(j.FirstOffset(), func(r Record) error {
		seen = append(seen, r.Type)
		if r.Type == CompactionMark {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []RecordType{Update, CompactionMark}, seen)

	rest, _ := collect(t, j, next)
	require.Len(t, rest, 1)
	assert.Equal(t, "after", string(rest[0].Payload))
}

func TestJournal_VisitorErrorPropagates(t *testing.T) {
	j := openMaster(t, filepath.Join(t.TempDir(), "files.mdlog"))
	_, _ = j.Append(Update, []byte("x"))

	boom := errors.New("boom")
	_, err := j.Scan(j.FirstOffset(), func(Record) error { return boom })
	assert.ErrorIs(t, err, boom)
}

// ============================================================================
// Durability
// ============================================================================

func TestJournal_ReopenRecoversRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.mdlog")

	j, err := Open(path, ModeMaster, FileMagic)
	require.NoError(t, err)
	_, _ = j.Append(Update, []byte("one"))
	_, _ = j.Append(Update, []byte("two"))
	end := j.NextOffset()
	require.NoError(t, j.Close())

	j = openMaster(t, path)
	assert.Equal(t, end, j.NextOffset())
	recs, _ := collect(t, j, j.FirstOffset())
	require.Len(t, recs, 2)

	off, err := j.Append(Update, []byte("three"))
	require.NoError(t, err)
	assert.Equal(t, end, off)
}

func TestJournal_TornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.mdlog")

	j, err := Open(path, ModeMaster, FileMagic)
	require.NoError(t, err)
	_, _ = j.Append(Update, []byte("complete"))
	end := j.NextOffset()
	require.NoError(t, j.Close())

	// A crash in the middle of an append leaves a header and half a payload.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(Update), 100, 0, 0, 0, 'p', 'a', 'r'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j = openMaster(t, path)
	assert.Equal(t, end, j.NextOffset())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(end), info.Size())

	recs, _ := collect(t, j, j.FirstOffset())
	require.Len(t, recs, 1)
}

func TestJournal_CorruptRecordTypeFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.mdlog")
	j, err := Open(path, ModeMaster, FileMagic)
	require.NoError(t, err)
	_, _ = j.Append(Update, []byte("complete"))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x7f, 1, 0, 0, 0, 'x'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, ModeMaster, FileMagic)
	assert.ErrorIs(t, err, ErrCorrupted)
}

// ============================================================================
// Header and modes
// ============================================================================

func TestJournal_MagicMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.mdlog")
	j, err := Open(path, ModeMaster, FileMagic)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = Open(path, ModeMaster, ContainerMagic)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestJournal_FlagsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.mdlog")
	j, err := Open(path, ModeMaster, FileMagic)
	require.NoError(t, err)
	assert.False(t, j.Compacted())
	require.NoError(t, j.SetFlags(FlagCompacted))
	require.NoError(t, j.Close())

	j, err = Open(path, ModeFollower, FileMagic)
	require.NoError(t, err)
	defer j.Close()
	assert.True(t, j.Compacted())
}

func TestJournal_FollowerIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.mdlog")
	master := openMaster(t, path)
	_, _ = master.Append(Update, []byte("m"))

	follower, err := Open(path, ModeFollower, FileMagic)
	require.NoError(t, err)
	defer follower.Close()

	_, err = follower.Append(Update, []byte("nope"))
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, follower.SetFlags(0), ErrReadOnly)

	recs, _ := collect(t, follower, follower.FirstOffset())
	require.Len(t, recs, 1)

	_, _ = master.Append(Update, []byte("n"))
	assert.Equal(t, master.NextOffset(), follower.NextOffset())
}

func TestJournal_FollowerRequiresExistingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), ModeFollower, FileMagic)
	assert.Error(t, err)
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "files.mdlog"), ModeMaster, FileMagic)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = j.Append(Update, []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJournal_RenameKeepsHandle(t *testing.T) {
	dir := t.TempDir()
	j := openMaster(t, filepath.Join(dir, "a"))
	_, _ = j.Append(Update, []byte("x"))

	require.NoError(t, j.Rename(filepath.Join(dir, "b")))
	assert.Equal(t, filepath.Join(dir, "b"), j.Path())

	same, err := j.SameFile(filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.True(t, same)

	_, err = j.Append(Update, []byte("y"))
	require.NoError(t, err)
	recs, _ := collect(t, j, j.FirstOffset())
	assert.Len(t, recs, 2)
}
