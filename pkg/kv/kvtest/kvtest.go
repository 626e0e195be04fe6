// Package kvtest is a conformance suite for kv.Client implementations.
package kvtest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/kv"
)

// Factory returns an empty client. The suite closes it.
type Factory func(t *testing.T) kv.Client

// Run exercises every kv.Client operation against clients from newClient.
func Run(t *testing.T, newClient Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, c kv.Client)
	}{
		{"Hash", testHash},
		{"HIncrBy", testHIncrBy},
		{"ConcurrentHIncrBy", testConcurrentHIncrBy},
		{"Set", testSet},
		{"DelAndExists", testDelAndExists},
		{"Execute", testExecute},
		{"ExecuteLargeBatch", testExecuteLargeBatch},
		{"ExecuteRejectsUnknown", testExecuteRejectsUnknown},
		{"KeysAreIsolated", testKeysAreIsolated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t)
			defer func() { assert.NoError(t, c.Close()) }()
			tt.fn(t, c)
		})
	}
}

func testHash(t *testing.T, c kv.Client) {
	ctx := context.Background()

	_, ok, err := c.HGet(ctx, "1:f_bucket", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.HSet(ctx, "1:f_bucket", "1", "one"))
	require.NoError(t, c.HSet(ctx, "1:f_bucket", "17", "seventeen"))
	require.NoError(t, c.HSet(ctx, "1:f_bucket", "1", "uno"))

	v, ok, err := c.HGet(ctx, "1:f_bucket", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "uno", v)

	n, err := c.HLen(ctx, "1:f_bucket")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := c.HGetAll(ctx, "1:f_bucket")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "uno", "17": "seventeen"}, all)

	removed, err := c.HDel(ctx, "1:f_bucket", "1", "missing")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	all, err = c.HGetAll(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testHIncrBy(t *testing.T, c kv.Client) {
	ctx := context.Background()

	v, err := c.HIncrBy(ctx, "meta_map", "last_used_fid", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	v, err = c.HIncrBy(ctx, "meta_map", "last_used_fid", -2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	s, ok, err := c.HGet(ctx, "meta_map", "last_used_fid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", s)

	require.NoError(t, c.HSet(ctx, "meta_map", "name", "eos"))
	_, err = c.HIncrBy(ctx, "meta_map", "name", 1)
	assert.ErrorIs(t, err, kv.ErrUnexpectedResponse)
}

func testConcurrentHIncrBy(t *testing.T, c kv.Client) {
	ctx := context.Background()
	const workers, each = 8, 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				_, err := c.HIncrBy(ctx, "counter", "n", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	s, _, err := c.HGet(ctx, "counter", "n")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*each), s)
}

func testSet(t *testing.T, c kv.Client) {
	ctx := context.Background()

	added, err := c.SAdd(ctx, "files_check_set", "3", "1", "2", "3")
	require.NoError(t, err)
	assert.EqualValues(t, 3, added)

	added, err = c.SAdd(ctx, "files_check_set", "2")
	require.NoError(t, err)
	assert.Zero(t, added)

	ok, err := c.SIsMember(ctx, "files_check_set", "2")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := c.SCard(ctx, "files_check_set")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	removed, err := c.SRem(ctx, "files_check_set", "2", "9")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	members, err := c.SMembers(ctx, "files_check_set")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"1", "3"}, members)
}

func testDelAndExists(t *testing.T, c kv.Client) {
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "7:map_files", "a", "1"))
	_, err := c.SAdd(ctx, "fsview:1:files", "7")
	require.NoError(t, err)

	for _, key := range []string{"7:map_files", "fsview:1:files"} {
		ok, err := c.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	n, err := c.Del(ctx, "7:map_files", "fsview:1:files", "absent")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ok, err := c.Exists(ctx, "7:map_files")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testExecute(t *testing.T, c kv.Client) {
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, []kv.Command{
		{"HSET", "0:c_bucket", "1", "root"},
		{"HSET", "1:map_files", "a", "10"},
		{"HSET", "1:map_files", "b", "11"},
		{"HDEL", "1:map_files", "a"},
		{"HINCRBY", "quota:1:map_uid", "0:files", "2"},
		{"HINCRBY", "quota:1:map_uid", "0:files", "3"},
		{"SADD", "fsview:2:files", "10", "11"},
		{"SREM", "fsview:2:files", "10"},
		{"SADD", "gone", "x"},
		{"DEL", "gone"},
	}))

	files, err := c.HGetAll(ctx, "1:map_files")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "11"}, files)

	v, _, err := c.HGet(ctx, "quota:1:map_uid", "0:files")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	members, err := c.SMembers(ctx, "fsview:2:files")
	require.NoError(t, err)
	assert.Equal(t, []string{"11"}, members)

	ok, err := c.Exists(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testExecuteLargeBatch(t *testing.T, c kv.Client) {
	ctx := context.Background()
	const n = 500

	cmds := make([]kv.Command, 0, n)
	for i := 0; i < n; i++ {
		cmds = append(cmds, kv.Command{"HSET", "big", strconv.Itoa(i), strconv.Itoa(i * i)})
	}
	require.NoError(t, c.Execute(ctx, cmds))

	l, err := c.HLen(ctx, "big")
	require.NoError(t, err)
	assert.EqualValues(t, n, l)
}

func testExecuteRejectsUnknown(t *testing.T, c kv.Client) {
	err := c.Execute(context.Background(), []kv.Command{{"FLUSHALL", "x"}})
	assert.ErrorIs(t, err, kv.ErrUnexpectedResponse)
}

// A hash and a set whose names share a prefix must not see each other.
func testKeysAreIsolated(t *testing.T, c kv.Client) {
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "1", "f", "v"))
	require.NoError(t, c.HSet(ctx, "10", "f", "w"))
	_, err := c.SAdd(ctx, "1", "m")
	require.NoError(t, err)

	n, err := c.HLen(ctx, "1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	members, err := c.SMembers(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, members)

	_, err = c.Del(ctx, "1")
	require.NoError(t, err)
	v, ok, err := c.HGet(ctx, "10", "f")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "w", v)
}
