package remote

import (
	"context"
	"sync/atomic"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/cache"
	"github.com/synnove/eos/pkg/flusher"
	"github.com/synnove/eos/pkg/metadata"
	"github.com/synnove/eos/pkg/metadata/codec"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
	"github.com/synnove/eos/pkg/registry"
)

// FileService keeps file records in the remote store.
type FileService struct {
	reg        *registry.Registry
	cfg        settings
	metrics    Metrics
	listeners  metadata.FileListeners
	containers *ContainerService

	b        *backend
	cache    *cache.LRU[uint64, *metadata.File]
	inodes   *inodeProvider
	numFiles atomic.Int64

	configured  bool
	initialized bool
}

var _ metadata.FileService = (*FileService)(nil)

// NewFileService returns an unconfigured service that obtains its client
// and flusher from reg.
func NewFileService(reg *registry.Registry) *FileService {
	return &FileService{reg: reg}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Configure implements metadata.FileService.
func (s *FileService) Configure(cfg map[string]string) error {
	set, err := parseSettings(cfg, metadata.ConfigFileCacheSize, DefaultFileCacheSize)
	if err != nil {
		return err
	}
	s.cfg = set
	s.configured = true
	return nil
}

// SetContainerService sets the service files are linked into.
func (s *FileService) SetContainerService(cs *ContainerService) {
	s.containers = cs
}

// SetMetrics attaches a metrics sink. Call it before Initialize.
func (s *FileService) SetMetrics(m Metrics) {
	s.metrics = m
}

// Initialize connects to the cluster, checks the id allocator and counts
// the stored files.
func (s *FileService) Initialize(ctx context.Context) error {
	ctx, span := telemetry.StartRemoteSpan(ctx, "files.initialize", telemetry.Cluster(s.cfg.cluster))
	defer span.End()

	if !s.configured {
		return mderrors.NewConfigurationError("file service not configured")
	}
	if s.containers == nil {
		return mderrors.NewConfigurationError("file service needs a container service")
	}

	b, err := connect(ctx, s.reg, s.cfg)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	inodes := newInodeProvider(b.client, LastUsedFID)
	last, err := inodes.load(ctx)
	if err != nil {
		return err
	}
	if err := safetyCheck(ctx, "file", last, b.fetcher.FileByID); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	n, err := b.countRecords(ctx, FileBucketKey)
	if err != nil {
		return err
	}

	s.b = b
	s.inodes = inodes
	s.cache = cache.New[uint64, *metadata.File]("files", s.cfg.cacheSize, b.acked, s.metrics)
	s.numFiles.Store(int64(n))
	s.initialized = true

	logger.InfoCtx(ctx, "File service initialized",
		logger.KeyCluster, s.cfg.cluster, logger.KeyCount, n,
		"first_free_id", inodes.firstFree(), "num_buckets", s.cfg.numBuckets)
	return nil
}

// Finalize drops the cache. The client and flusher belong to the registry
// and stay open.
func (s *FileService) Finalize() error {
	s.initialized = false
	s.cache = nil
	s.b = nil
	return nil
}

// Flusher returns the metadata flusher, or nil before Initialize.
func (s *FileService) Flusher() *flusher.MetadataFlusher {
	if s.b == nil {
		return nil
	}
	return s.b.flusher
}

func (s *FileService) ready() error {
	if !s.initialized {
		return mderrors.NewConfigurationError("file service not initialized")
	}
	return nil
}

// ============================================================================
// Records
// ============================================================================

// CreateFile implements metadata.FileService.
func (s *FileService) CreateFile(ctx context.Context) (*metadata.File, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := s.inodes.reserve(ctx)
	if err != nil {
		return nil, err
	}

	f := metadata.NewFile(id)
	index := s.b.flusher.HSet(FileBucketKey(id, s.cfg.numBuckets), idField(id), string(codec.EncodeFile(f)))
	s.cache.PutPinned(id, f, f.Clock, index)
	s.numFiles.Add(1)

	logger.DebugCtx(ctx, "File created", logger.KeyFileID, id)
	s.listeners.Notify(metadata.FileEvent{Type: metadata.Created, ID: id, File: f})
	return f, nil
}

// GetFileMD implements metadata.FileService.
func (s *FileService) GetFileMD(ctx context.Context, id uint64) (*metadata.File, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	switch f, st := s.cache.Get(id); st {
	case cache.Hit:
		return f, nil
	case cache.Deleted:
		return nil, mderrors.NewNotFoundError("file", id)
	}

	f, err := s.b.fetcher.FileByID(ctx, id).Get(ctx)
	if err != nil {
		return nil, err
	}
	cached, ok := s.cache.Put(id, f, f.Clock)
	if !ok {
		return nil, mderrors.NewNotFoundError("file", id)
	}
	return cached, nil
}

// UpdateStore implements metadata.FileService. The file is also queued for
// the next CheckFiles, and pending location changes are reported to
// listeners.
func (s *FileService) UpdateStore(ctx context.Context, f *metadata.File) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.cache.IsDeleted(f.ID) {
		return mderrors.NewNotFoundError("file", f.ID)
	}
	f.Clock++

	s.b.flusher.SAdd(CheckFilesKey, idField(f.ID))
	index := s.b.flusher.HSet(FileBucketKey(f.ID, s.cfg.numBuckets), idField(f.ID), string(codec.EncodeFile(f)))
	if _, ok := s.cache.PutPinned(f.ID, f, f.Clock, index); !ok {
		return mderrors.NewNotFoundError("file", f.ID)
	}

	changes, delta := f.TakeChanges()
	s.listeners.Notify(metadata.FileEventsFor(metadata.Updated, f, changes, delta)...)
	return nil
}

// RemoveFile implements metadata.FileService. The id stays tombstoned in
// the cache until the deletion is acknowledged.
func (s *FileService) RemoveFile(ctx context.Context, f *metadata.File) error {
	if _, err := s.GetFileMD(ctx, f.ID); err != nil {
		return err
	}

	index := s.b.flusher.HDel(FileBucketKey(f.ID, s.cfg.numBuckets), idField(f.ID))
	s.cache.Tombstone(f.ID, index)
	s.numFiles.Add(-1)

	changes, delta := f.TakeChanges()
	s.listeners.Notify(metadata.FileEventsFor(metadata.Deleted, f, changes, delta)...)
	return nil
}

// Visit implements metadata.FileService. Pending writes are flushed first;
// files are visited bucket by bucket, in id order inside a bucket. Visiting
// does not fill the cache.
func (s *FileService) Visit(ctx context.Context, fn func(*metadata.File) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.b.flusher.Synchronize(ctx, -1); err != nil {
		return err
	}
	return scanBuckets(ctx, s.b.client, s.cfg.numBuckets, FileBucketKey, func(records map[string]string) error {
		for _, id := range sortedIDs(records) {
			f, st := s.cache.Get(id)
			switch st {
			case cache.Deleted:
				continue
			case cache.Miss:
				var err error
				if f, err = codec.DecodeFile([]byte(records[idField(id)])); err != nil {
					return mderrors.NewCorruptionError("undecodable file record: "+err.Error(), id)
				}
			}
			if err := fn(f); err != nil {
				return err
			}
		}
		return nil
	})
}

// NumFiles implements metadata.FileService.
func (s *FileService) NumFiles() uint64 {
	return uint64(max(s.numFiles.Load(), 0))
}

// FirstFreeID implements metadata.FileService.
func (s *FileService) FirstFreeID() uint64 {
	if s.inodes == nil {
		return 1
	}
	return s.inodes.firstFree()
}

// AddChangeListener implements metadata.FileService.
func (s *FileService) AddChangeListener(l metadata.FileListener) {
	s.listeners.Add(l)
}
