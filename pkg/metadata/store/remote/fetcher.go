package remote

import (
	"context"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/synnove/eos/internal/future"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/kv"
	"github.com/synnove/eos/pkg/metadata"
	"github.com/synnove/eos/pkg/metadata/codec"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// ChildSet maps child names to ids.
type ChildSet map[string]uint64

// Fetcher reads records straight from the remote store, without caching.
// Concurrent fetches of the same key share one round trip; every caller
// still gets its own decoded object.
type Fetcher struct {
	client     kv.Client
	numBuckets uint64
	group      singleflight.Group
}

// NewFetcher returns a fetcher for a store using numBuckets buckets.
func NewFetcher(client kv.Client, numBuckets uint64) *Fetcher {
	return &Fetcher{client: client, numBuckets: numBuckets}
}

// hget fetches key/field once for all concurrent callers. A missing field
// resolves to ok == false.
func (f *Fetcher) hget(ctx context.Context, key, field string) (string, bool, error) {
	type reply struct {
		value string
		ok    bool
	}
	ch := f.group.DoChan(key+"\x00"+field, func() (any, error) {
		v, ok, err := f.client.HGet(ctx, key, field)
		return reply{v, ok}, err
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return "", false, r.Err
		}
		rep := r.Val.(reply)
		return rep.value, rep.ok, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// hgetall is hget for whole hashes.
func (f *Fetcher) hgetall(ctx context.Context, key string) (map[string]string, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		return f.client.HGetAll(ctx, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(map[string]string), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FileByID fetches the record of file id.
func (f *Fetcher) FileByID(ctx context.Context, id uint64) *future.Future[*metadata.File] {
	return future.Go(func() (*metadata.File, error) {
		ctx, span := telemetry.StartRemoteSpan(ctx, "fetch", telemetry.RecordKind("file"), telemetry.FileID(id))
		defer span.End()

		v, ok, err := f.hget(ctx, FileBucketKey(id, f.numBuckets), idField(id))
		if err != nil {
			telemetry.RecordError(ctx, err)
			return nil, mderrors.NewRemoteError("fetch file "+idField(id), err)
		}
		if !ok {
			return nil, mderrors.NewNotFoundError("file", id)
		}
		file, err := codec.DecodeFile([]byte(v))
		if err != nil {
			return nil, mderrors.NewCorruptionError("undecodable file record: "+err.Error(), id)
		}
		if file.ID != id {
			return nil, mderrors.NewCorruptionError("file record stored under id "+idField(id)+" has id "+idField(file.ID), id)
		}
		return file, nil
	})
}

// ContainerByID fetches the record of container id. Its child maps are
// left empty; see FilesInContainer and SubContainers.
func (f *Fetcher) ContainerByID(ctx context.Context, id uint64) *future.Future[*metadata.Container] {
	return future.Go(func() (*metadata.Container, error) {
		ctx, span := telemetry.StartRemoteSpan(ctx, "fetch", telemetry.RecordKind("container"), telemetry.ContainerID(id))
		defer span.End()

		v, ok, err := f.hget(ctx, ContainerBucketKey(id, f.numBuckets), idField(id))
		if err != nil {
			telemetry.RecordError(ctx, err)
			return nil, mderrors.NewRemoteError("fetch container "+idField(id), err)
		}
		if !ok {
			return nil, mderrors.NewNotFoundError("container", id)
		}
		c, err := codec.DecodeContainer([]byte(v))
		if err != nil {
			return nil, mderrors.NewCorruptionError("undecodable container record: "+err.Error(), id)
		}
		if c.ID != id {
			return nil, mderrors.NewCorruptionError("container record stored under id "+idField(id)+" has id "+idField(c.ID), id)
		}
		return c, nil
	})
}

// FilesInContainer fetches the file map of container cid.
func (f *Fetcher) FilesInContainer(ctx context.Context, cid uint64) *future.Future[ChildSet] {
	return future.Go(func() (ChildSet, error) {
		return f.childSet(ctx, FilesMapKey(cid), cid)
	})
}

// SubContainers fetches the subcontainer map of container cid.
func (f *Fetcher) SubContainers(ctx context.Context, cid uint64) *future.Future[ChildSet] {
	return future.Go(func() (ChildSet, error) {
		return f.childSet(ctx, ContainersMapKey(cid), cid)
	})
}

func (f *Fetcher) childSet(ctx context.Context, key string, cid uint64) (ChildSet, error) {
	raw, err := f.hgetall(ctx, key)
	if err != nil {
		return nil, mderrors.NewRemoteError("fetch "+key, err)
	}
	set := make(ChildSet, len(raw))
	for name, v := range raw {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, mderrors.NewCorruptionError("bad child id "+strconv.Quote(v)+" for "+strconv.Quote(name)+" in "+key, cid)
		}
		set[name] = id
	}
	return set, nil
}

// FileIDByName resolves name in the file map of parent.
func (f *Fetcher) FileIDByName(ctx context.Context, parent uint64, name string) *future.Future[uint64] {
	return future.Go(func() (uint64, error) {
		return f.childID(ctx, FilesMapKey(parent), parent, name, "file entry ")
	})
}

// ContainerIDByName resolves name in the subcontainer map of parent.
func (f *Fetcher) ContainerIDByName(ctx context.Context, parent uint64, name string) *future.Future[uint64] {
	return future.Go(func() (uint64, error) {
		return f.childID(ctx, ContainersMapKey(parent), parent, name, "container entry ")
	})
}

func (f *Fetcher) childID(ctx context.Context, key string, parent uint64, name, kind string) (uint64, error) {
	v, ok, err := f.hget(ctx, key, name)
	if err != nil {
		return 0, mderrors.NewRemoteError("fetch "+key, err)
	}
	if !ok {
		return 0, mderrors.NewNotFoundError(kind+name, parent)
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, mderrors.NewCorruptionError("bad child id "+strconv.Quote(v)+" in "+key, parent)
	}
	return id, nil
}

// ============================================================================
// Bucket scans
// ============================================================================

// countBuckets sums HLEN over buckets 0..numBuckets-1 of one record kind.
func countBuckets(ctx context.Context, client kv.Client, numBuckets uint64, key func(id, numBuckets uint64) string) (uint64, error) {
	var total atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(countConcurrency)

	for b := uint64(0); b < numBuckets && gctx.Err() == nil; b++ {
		g.Go(func() error {
			n, err := client.HLen(gctx, key(b, numBuckets))
			if err != nil {
				return err
			}
			total.Add(uint64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, mderrors.NewRemoteError("count records", err)
	}
	return total.Load(), nil
}

// scanBuckets calls fn with the raw records of every bucket, one bucket at
// a time.
func scanBuckets(ctx context.Context, client kv.Client, numBuckets uint64, key func(id, numBuckets uint64) string, fn func(map[string]string) error) error {
	for b := uint64(0); b < numBuckets; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := client.HGetAll(ctx, key(b, numBuckets))
		if err != nil {
			return mderrors.NewRemoteError("scan "+key(b, numBuckets), err)
		}
		if len(records) == 0 {
			continue
		}
		if err := fn(records); err != nil {
			return err
		}
	}
	return nil
}
