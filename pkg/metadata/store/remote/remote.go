// Package remote is the metadata backend that keeps records in a shared KV
// store laid out like QuarkDB.
//
// Records live in bucketed hashes keyed by decimal id. Reads go through a
// local LRU and, on a miss, through a MetadataFetcher. Writes are queued on
// a MetadataFlusher and applied in order in the background; the cache entry
// of every written id stays pinned until its command is acknowledged, so a
// read never observes the remote store behind the local state.
package remote

import (
	"context"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/synnove/eos/internal/future"
	"github.com/synnove/eos/pkg/cache"
	"github.com/synnove/eos/pkg/flusher"
	"github.com/synnove/eos/pkg/kv"
	"github.com/synnove/eos/pkg/metadata"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
	"github.com/synnove/eos/pkg/registry"
)

// Cache sizes used when the configuration leaves them out.
const (
	DefaultFileCacheSize      = 1_000_000
	DefaultContainerCacheSize = 100_000
)

// countConcurrency bounds the parallel HLEN calls of the initial count.
const countConcurrency = 64

// safetyWindow is how many ids past the allocator mark must be free.
const safetyWindow = 16

// Metrics receives cache and repair activity. A nil Metrics is valid.
type Metrics interface {
	cache.Metrics
	ObserveRepair(mapping string, n int)
}

// settings is the parsed configuration map.
type settings struct {
	cluster      string
	flusherMD    string
	flusherQuota string
	numBuckets   uint64
	cacheSize    int
}

func parseSettings(cfg map[string]string, cacheKey string, defaultCache int) (settings, error) {
	s := settings{numBuckets: DefaultNumBuckets, cacheSize: defaultCache}

	if s.cluster = cfg[metadata.ConfigCluster]; s.cluster == "" {
		return s, mderrors.NewConfigurationError("qdb_cluster not specified")
	}
	if s.flusherMD = cfg[metadata.ConfigFlusherMD]; s.flusherMD == "" {
		return s, mderrors.NewConfigurationError("qdb_flusher_md not specified")
	}
	s.flusherQuota = cfg[metadata.ConfigFlusherQuota]

	if v, ok := cfg[metadata.ConfigNumBuckets]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 || bits.OnesCount64(n) != 1 {
			return s, mderrors.NewConfigurationError(fmt.Sprintf("qdb_num_buckets must be a power of two, got %q", v))
		}
		s.numBuckets = n
	}

	if v, ok := cfg[cacheKey]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return s, mderrors.NewConfigurationError(fmt.Sprintf("invalid %s %q", cacheKey, v))
		}
		s.cacheSize = n
	}
	return s, nil
}

// backend is the connection state shared by the file and container services.
type backend struct {
	cfg     settings
	client  kv.Client
	flusher *flusher.MetadataFlusher
	fetcher *Fetcher
}

// connect obtains the client and the metadata flusher from reg and waits
// until commands recovered from a previous run are applied.
func connect(ctx context.Context, reg *registry.Registry, cfg settings) (*backend, error) {
	if reg == nil {
		return nil, mderrors.NewConfigurationError("remote backend needs a registry")
	}
	client, err := reg.Client(ctx, cfg.cluster)
	if err != nil {
		return nil, mderrors.NewRemoteError("connect to "+cfg.cluster, err)
	}
	mf, err := reg.MetadataFlusher(ctx, cfg.flusherMD, cfg.cluster)
	if err != nil {
		return nil, mderrors.NewRemoteError("open flusher "+cfg.flusherMD, err)
	}
	if err := mf.Synchronize(ctx, -1); err != nil {
		return nil, err
	}
	return &backend{
		cfg:     cfg,
		client:  client,
		flusher: mf,
		fetcher: NewFetcher(client, cfg.numBuckets),
	}, nil
}

// acked returns the highest acknowledged flusher index.
func (b *backend) acked() int64 {
	return b.flusher.StartingIndex() - 1
}

// countRecords sums HLEN over every bucket of one record kind.
func (b *backend) countRecords(ctx context.Context, key func(id, numBuckets uint64) string) (uint64, error) {
	return countBuckets(ctx, b.client, b.cfg.numBuckets, key)
}

// safetyCheck fails if any of the ids right after last already holds a
// record, which would mean the allocator mark went backwards.
func safetyCheck[T any](ctx context.Context, kind string, last uint64, fetch func(context.Context, uint64) *future.Future[T]) error {
	futures := make([]*future.Future[T], safetyWindow)
	for i := range futures {
		futures[i] = fetch(ctx, last+1+uint64(i))
	}
	for i, f := range futures {
		_, err := f.Get(ctx)
		switch {
		case err == nil:
			id := last + 1 + uint64(i)
			return mderrors.NewCorruptionError(
				fmt.Sprintf("%s %d exists past the last used id %d", kind, id, last), id)
		case mderrors.IsNotFoundError(err):
		default:
			return err
		}
	}
	return nil
}
