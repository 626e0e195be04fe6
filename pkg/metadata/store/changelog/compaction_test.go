package changelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// churn writes n files into c and rewrites each of them a few times.
func churn(t *testing.T, ns *namespace, c *metadata.Container, prefix string, n int) []*metadata.File {
	t.Helper()
	ctx := context.Background()
	files := make([]*metadata.File, 0, n)
	for i := 0; i < n; i++ {
		f := ns.touch(t, c, prefix+strconv.Itoa(i))
		for j := 0; j < 3; j++ {
			f.SetSize(uint64(j))
			require.NoError(t, ns.files.UpdateStore(ctx, f))
		}
		files = append(files, f)
	}
	return files
}

func TestCompactPreservesState(t *testing.T) {
	ctx := context.Background()
	ns := openNamespace(t, t.TempDir(), false)

	c := ns.mkdir(t, nil, "eos")
	files := churn(t, ns, c, "f", 50)
	for _, f := range files[:10] {
		require.NoError(t, ns.files.RemoveFile(ctx, f))
	}

	path := ns.files.JournalPath()
	before := ns.view(t)
	sizeBefore := fileSize(t, path)

	res, err := ns.files.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Records)
	assert.Equal(t, path, res.NewPath)
	assert.FileExists(t, res.OldPath)
	assert.Equal(t, sizeBefore, fileSize(t, res.OldPath))
	assert.Less(t, fileSize(t, path), sizeBefore)
	assert.Equal(t, before, ns.view(t))

	// Writes keep going to the compacted journal.
	extra := ns.touch(t, c, "after")

	ns = ns.reopen(t)
	defer ns.close(t)
	after := ns.view(t)
	_, err = ns.files.GetFileMD(ctx, extra.ID)
	require.NoError(t, err)
	assert.Len(t, after.Files, 41)

	log, err := journal.Open(path, journal.ModeFollower, journal.FileMagic)
	require.NoError(t, err)
	defer log.Close()
	assert.True(t, log.Compacted())
}

func TestCompactEmptyJournal(t *testing.T) {
	ns := openNamespace(t, t.TempDir(), false)
	defer ns.close(t)

	res, err := ns.containers.Compact(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.Zero(t, ns.containers.NumContainers())
}

func TestCompactionWithConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	ns := openNamespace(t, t.TempDir(), false)

	c := ns.mkdir(t, nil, "eos")
	files := churn(t, ns, c, "f", 100)

	newPath := filepath.Join(ns.dir, "files.compacted")
	comp, err := ns.files.PrepareCompaction(ctx, newPath)
	require.NoError(t, err)
	assert.Equal(t, CompactionPrepared, comp.State())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, comp.Copy(ctx))
	}()

	// Updates, deletes and creations racing with the copy.
	for i, f := range files {
		switch i % 3 {
		case 0:
			f.SetSize(1 << 20)
			require.NoError(t, ns.files.UpdateStore(ctx, f))
		case 1:
			require.NoError(t, ns.files.RemoveFile(ctx, f))
		}
	}
	created := churn(t, ns, c, "new", 10)
	wg.Wait()

	// A record updated twice after the boundary, then deleted.
	require.NoError(t, ns.files.UpdateStore(ctx, created[0]))
	require.NoError(t, ns.files.RemoveFile(ctx, created[0]))

	before := ns.view(t)
	res, err := comp.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, CompactionDone, comp.State())
	assert.EqualValues(t, ns.files.NumFiles(), res.Records)
	assert.Equal(t, before, ns.view(t))

	// The committed journal is the one being appended to.
	late := ns.touch(t, c, "late")
	ns.close(t)

	// Reload straight from the compacted file.
	cs := NewContainerService()
	require.NoError(t, cs.Configure(journalConfig(filepath.Join(ns.dir, "directories.mdlog"), false)))
	require.NoError(t, cs.Initialize(ctx))
	defer cs.Finalize()
	fs := NewFileService()
	require.NoError(t, fs.Configure(journalConfig(newPath, false)))
	fs.SetContainerService(cs)
	require.NoError(t, fs.Initialize(ctx))
	defer fs.Finalize()

	reloaded := &namespace{dir: ns.dir, containers: cs, files: fs}
	got := reloaded.view(t)
	_, err = fs.GetFileMD(ctx, late.ID)
	require.NoError(t, err)
	assert.Len(t, got.Files, len(before.Files)+1)
}

func TestCompactionAbort(t *testing.T) {
	ctx := context.Background()
	ns := openNamespace(t, t.TempDir(), false)
	defer ns.close(t)

	c := ns.mkdir(t, nil, "eos")
	churn(t, ns, c, "f", 5)
	path := ns.files.JournalPath()
	size := fileSize(t, path)

	newPath := filepath.Join(ns.dir, "aborted")
	comp, err := ns.files.PrepareCompaction(ctx, newPath)
	require.NoError(t, err)

	_, err = ns.files.PrepareCompaction(ctx, filepath.Join(ns.dir, "second"))
	assert.ErrorIs(t, err, ErrCompactionInProgress)

	require.NoError(t, comp.Abort())
	assert.Equal(t, CompactionAborted, comp.State())
	assert.NoFileExists(t, newPath)
	assert.Equal(t, size, fileSize(t, path))
	require.NoError(t, comp.Abort())

	_, err = comp.Commit(ctx)
	assert.ErrorIs(t, err, ErrCompactionState)

	// The lock is released, so a new attempt can run to completion.
	_, err = ns.files.Compact(ctx)
	require.NoError(t, err)
}

func TestCompactionCancelledCopy(t *testing.T) {
	ns := openNamespace(t, t.TempDir(), false)
	defer ns.close(t)

	c := ns.mkdir(t, nil, "eos")
	churn(t, ns, c, "f", 5)

	newPath := filepath.Join(ns.dir, "cancelled")
	comp, err := ns.files.PrepareCompaction(context.Background(), newPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, comp.Copy(ctx), context.Canceled)
	assert.Equal(t, CompactionAborted, comp.State())
	assert.NoFileExists(t, newPath)
}

func TestCompactionReconcileMismatch(t *testing.T) {
	ctx := context.Background()
	ns := openNamespace(t, t.TempDir(), false)
	defer ns.close(t)

	c := ns.mkdir(t, nil, "eos")
	files := churn(t, ns, c, "f", 5)

	newPath := filepath.Join(ns.dir, "mismatch")
	comp, err := ns.files.PrepareCompaction(ctx, newPath)
	require.NoError(t, err)
	require.NoError(t, comp.Copy(ctx))

	// Point a live entry before its snapshotted record.
	_, off, ok := ns.files.st.index.Get(files[2].ID)
	require.True(t, ok)
	ns.files.st.index.SetOffset(files[2].ID, journal.HeaderSize)

	_, err = comp.Commit(ctx)
	require.Error(t, err)
	assert.True(t, mderrors.IsCorruptionError(err))
	assert.Equal(t, CompactionAborted, comp.State())
	assert.NoFileExists(t, newPath)

	// The old journal is still authoritative.
	ns.files.st.index.SetOffset(files[2].ID, off)
	f := ns.touch(t, c, "still-writable")
	_, err = ns.files.GetFileMD(ctx, f.ID)
	require.NoError(t, err)
}

func TestCompactionTargetMustBeEmpty(t *testing.T) {
	ns := openNamespace(t, t.TempDir(), false)
	defer ns.close(t)
	ns.mkdir(t, nil, "eos")

	target := filepath.Join(ns.dir, "busy")
	log, err := journal.Open(target, journal.ModeMaster, journal.ContainerMagic)
	require.NoError(t, err)
	_, err = log.Append(journal.Delete, make([]byte, 8))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	_, err = ns.containers.PrepareCompaction(context.Background(), target)
	require.Error(t, err)

	_, err = os.Stat(target)
	require.NoError(t, err)
	_, err = ns.containers.Compact(context.Background())
	require.NoError(t, err)
}

// failRename makes call number n (1-based) of renameJournal fail.
func failRename(t *testing.T, n int) {
	t.Helper()
	orig := renameJournal
	calls := 0
	renameJournal = func(j *journal.Journal, path string) error {
		calls++
		if calls == n {
			return errors.New("rename: no space left on device")
		}
		return orig(j, path)
	}
	t.Cleanup(func() { renameJournal = orig })
}

func TestCompactionInstallFailureKeepsOldJournal(t *testing.T) {
	for name, failing := range map[string]int{"MoveAside": 1, "Install": 2} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ns := openNamespace(t, t.TempDir(), false)

			c := ns.mkdir(t, nil, "eos")
			churn(t, ns, c, "f", 5)
			path := ns.files.JournalPath()
			sizeBefore := fileSize(t, path)

			failRename(t, failing)
			_, err := ns.files.Compact(ctx)
			require.Error(t, err)
			assert.Equal(t, mderrors.ErrIOError, mderrors.CodeOf(err))

			assert.Equal(t, sizeBefore, fileSize(t, path), "the live journal is untouched")
			leftovers, err := filepath.Glob(path + ".*")
			require.NoError(t, err)
			assert.Empty(t, leftovers, "no temporary or replaced file stays behind")

			// Writes still land in the journal at path and survive a restart.
			after := ns.touch(t, c, "after-failure")
			assert.Greater(t, fileSize(t, path), sizeBefore)

			ns = ns.reopen(t)
			defer ns.close(t)
			_, err = ns.files.GetFileMD(ctx, after.ID)
			require.NoError(t, err)
			assert.Len(t, ns.view(t).Files, 6)

			// A later compaction succeeds.
			res, err := ns.files.Compact(ctx)
			require.NoError(t, err)
			assert.Equal(t, path, res.NewPath)
		})
	}
}
