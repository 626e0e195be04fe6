package remote

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvbadger "github.com/synnove/eos/pkg/kv/badger"
	"github.com/synnove/eos/pkg/metadata"
	"github.com/synnove/eos/pkg/metadata/codec"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

func newFetcher(t *testing.T) (*Fetcher, *kvbadger.Client) {
	t.Helper()
	client, err := kvbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewFetcher(client, 16), client
}

func TestFetchFileConcurrently(t *testing.T) {
	ctx := context.Background()
	fetcher, client := newFetcher(t)

	f := metadata.NewFile(7)
	f.Name = "shared"
	require.NoError(t, client.HSet(ctx, FileBucketKey(7, 16), idField(7), string(codec.EncodeFile(f))))

	var wg sync.WaitGroup
	results := make([]*metadata.File, 16)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = fetcher.FileByID(ctx, 7).Get(ctx)
		}()
	}
	wg.Wait()

	for i, got := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(7), got.ID)
		assert.Equal(t, "shared", got.Name)
	}
}

func TestFetchMissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	fetcher, client := newFetcher(t)

	_, err := fetcher.FileByID(ctx, 1).Get(ctx)
	assert.True(t, mderrors.IsNotFoundError(err))
	_, err = fetcher.ContainerByID(ctx, 1).Get(ctx)
	assert.True(t, mderrors.IsNotFoundError(err))

	// A record stored under the wrong id.
	require.NoError(t, client.HSet(ctx, FileBucketKey(3, 16), idField(3), string(codec.EncodeFile(metadata.NewFile(4)))))
	_, err = fetcher.FileByID(ctx, 3).Get(ctx)
	assert.True(t, mderrors.IsCorruptionError(err))
}

func TestFetchChildren(t *testing.T) {
	ctx := context.Background()
	fetcher, client := newFetcher(t)

	require.NoError(t, client.HSet(ctx, FilesMapKey(5), "a", "7"))
	require.NoError(t, client.HSet(ctx, ContainersMapKey(5), "sub", "9"))

	files, err := fetcher.FilesInContainer(ctx, 5).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChildSet{"a": 7}, files)

	subs, err := fetcher.SubContainers(ctx, 5).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChildSet{"sub": 9}, subs)

	id, err := fetcher.FileIDByName(ctx, 5, "a").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	id, err = fetcher.ContainerIDByName(ctx, 5, "sub").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), id)

	_, err = fetcher.FileIDByName(ctx, 5, "b").Get(ctx)
	assert.True(t, mderrors.IsNotFoundError(err))

	require.NoError(t, client.HSet(ctx, FilesMapKey(5), "bad", "x"))
	_, err = fetcher.FilesInContainer(ctx, 5).Get(ctx)
	assert.True(t, mderrors.IsCorruptionError(err))
}

func TestCountAndScanBuckets(t *testing.T) {
	ctx := context.Background()
	_, client := newFetcher(t)

	for _, id := range []uint64{1, 2, 17, 33} {
		require.NoError(t, client.HSet(ctx, FileBucketKey(id, 16), idField(id), "x"))
	}
	n, err := countBuckets(ctx, client, 16, FileBucketKey)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	var seen []uint64
	require.NoError(t, scanBuckets(ctx, client, 16, FileBucketKey, func(records map[string]string) error {
		seen = append(seen, sortedIDs(records)...)
		return nil
	}))
	assert.Equal(t, []uint64{1, 17, 33, 2}, seen)
}
