package remote

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/synnove/eos/internal/future"
	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/cache"
	"github.com/synnove/eos/pkg/flusher"
	"github.com/synnove/eos/pkg/metadata"
	"github.com/synnove/eos/pkg/metadata/codec"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
	"github.com/synnove/eos/pkg/registry"
)

// ContainerService keeps container records and child maps in the remote
// store.
type ContainerService struct {
	reg       *registry.Registry
	cfg       settings
	metrics   Metrics
	listeners metadata.ContainerListeners
	quota     *QuotaStats

	b             *backend
	cache         *cache.LRU[uint64, *metadata.Container]
	inodes        *inodeProvider
	numContainers atomic.Int64

	// topLevel mirrors 0:map_conts. It is never cached or evicted.
	topLevel *metadata.Container

	configured  bool
	initialized bool
}

var _ metadata.ContainerService = (*ContainerService)(nil)

// NewContainerService returns an unconfigured service that obtains its
// client and flusher from reg.
func NewContainerService(reg *registry.Registry) *ContainerService {
	return &ContainerService{reg: reg, topLevel: metadata.NewContainer(0)}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Configure implements metadata.ContainerService.
func (s *ContainerService) Configure(cfg map[string]string) error {
	set, err := parseSettings(cfg, metadata.ConfigContainerCache, DefaultContainerCacheSize)
	if err != nil {
		return err
	}
	s.cfg = set
	s.configured = true
	return nil
}

// SetMetrics attaches a metrics sink. Call it before Initialize.
func (s *ContainerService) SetMetrics(m Metrics) {
	s.metrics = m
}

// SetQuotaStats makes AddFile count linked files in q.
func (s *ContainerService) SetQuotaStats(q *QuotaStats) {
	s.quota = q
}

// Initialize connects to the cluster, loads the top-level names and
// counts the stored containers.
func (s *ContainerService) Initialize(ctx context.Context) error {
	ctx, span := telemetry.StartRemoteSpan(ctx, "containers.initialize", telemetry.Cluster(s.cfg.cluster))
	defer span.End()

	if !s.configured {
		return mderrors.NewConfigurationError("container service not configured")
	}

	b, err := connect(ctx, s.reg, s.cfg)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	inodes := newInodeProvider(b.client, LastUsedCID)
	last, err := inodes.load(ctx)
	if err != nil {
		return err
	}
	if err := safetyCheck(ctx, "container", last, b.fetcher.ContainerByID); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	top, err := b.fetcher.SubContainers(ctx, 0).Get(ctx)
	if err != nil {
		return err
	}
	n, err := b.countRecords(ctx, ContainerBucketKey)
	if err != nil {
		return err
	}

	s.b = b
	s.inodes = inodes
	s.cache = cache.New[uint64, *metadata.Container]("containers", s.cfg.cacheSize, b.acked, s.metrics)
	s.topLevel = metadata.NewContainer(0)
	s.topLevel.SetChildren(nil, top)
	s.numContainers.Store(int64(n))
	s.initialized = true

	logger.InfoCtx(ctx, "Container service initialized",
		logger.KeyCluster, s.cfg.cluster, logger.KeyCount, n,
		"first_free_id", inodes.firstFree(), "top_level", len(top))
	return nil
}

// Finalize drops the cache. The client and flusher belong to the registry
// and stay open.
func (s *ContainerService) Finalize() error {
	s.initialized = false
	s.cache = nil
	s.b = nil
	return nil
}

// Flusher returns the metadata flusher, or nil before Initialize.
func (s *ContainerService) Flusher() *flusher.MetadataFlusher {
	if s.b == nil {
		return nil
	}
	return s.b.flusher
}

func (s *ContainerService) ready() error {
	if !s.initialized {
		return mderrors.NewConfigurationError("container service not initialized")
	}
	return nil
}

// pin caches c and keeps it until the command at index is acknowledged.
func (s *ContainerService) pin(c *metadata.Container, index int64) {
	if c == s.topLevel {
		return
	}
	s.cache.PutPinned(c.ID, c, c.Clock, index)
}

// ============================================================================
// Records
// ============================================================================

// CreateContainer implements metadata.ContainerService.
func (s *ContainerService) CreateContainer(ctx context.Context) (*metadata.Container, error) {
	return s.create(ctx, "", nil)
}

// CreateInParent implements metadata.ContainerService.
func (s *ContainerService) CreateInParent(ctx context.Context, name string, parent *metadata.Container) (*metadata.Container, error) {
	if name == "" {
		return nil, mderrors.NewInvalidArgumentError("empty container name")
	}
	if parent == nil {
		parent = s.topLevel
	}
	return s.create(ctx, name, parent)
}

func (s *ContainerService) create(ctx context.Context, name string, parent *metadata.Container) (*metadata.Container, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if parent != nil {
		if _, taken := parent.FindContainer(name); taken {
			return nil, mderrors.NewAlreadyExistsError(name, parent.ID)
		}
	}

	id, err := s.inodes.reserve(ctx)
	if err != nil {
		return nil, err
	}
	c := metadata.NewContainer(id)
	if parent != nil {
		c.Name = name
		c.ParentID = parent.ID
		if !parent.LinkContainer(name, id) {
			return nil, mderrors.NewAlreadyExistsError(name, parent.ID)
		}
	}

	index := s.b.flusher.HSet(ContainerBucketKey(id, s.cfg.numBuckets), idField(id), string(codec.EncodeContainer(c)))
	if parent != nil {
		index = s.b.flusher.HSet(ContainersMapKey(parent.ID), name, idField(id))
		s.pin(parent, index)
	}
	s.pin(c, index)
	s.numContainers.Add(1)

	logger.DebugCtx(ctx, "Container created", logger.KeyContainerID, id, logger.KeyName, name)
	s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Created, ID: id, Container: c})
	return c, nil
}

// GetContainerMD implements metadata.ContainerService. A miss fetches the
// record and both child maps concurrently.
func (s *ContainerService) GetContainerMD(ctx context.Context, id uint64) (*metadata.Container, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	switch c, st := s.cache.Get(id); st {
	case cache.Hit:
		return c, nil
	case cache.Deleted:
		return nil, mderrors.NewNotFoundError("container", id)
	}

	c, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	cached, ok := s.cache.Put(id, c, c.Clock)
	if !ok {
		return nil, mderrors.NewNotFoundError("container", id)
	}
	return cached, nil
}

// fetch assembles a container from the remote store without caching it.
func (s *ContainerService) fetch(ctx context.Context, id uint64) (*metadata.Container, error) {
	record := s.b.fetcher.ContainerByID(ctx, id)
	files := s.b.fetcher.FilesInContainer(ctx, id)
	subcontainers := s.b.fetcher.SubContainers(ctx, id)

	c, err := record.Get(ctx)
	if err != nil {
		return nil, err
	}
	return withChildren(ctx, c, files, subcontainers)
}

func withChildren(ctx context.Context, c *metadata.Container, files, subcontainers *future.Future[ChildSet]) (*metadata.Container, error) {
	fm, err := files.Get(ctx)
	if err != nil {
		return nil, err
	}
	cm, err := subcontainers.Get(ctx)
	if err != nil {
		return nil, err
	}
	c.SetChildren(fm, cm)
	return c, nil
}

// UpdateStore implements metadata.ContainerService.
func (s *ContainerService) UpdateStore(ctx context.Context, c *metadata.Container) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.cache.IsDeleted(c.ID) {
		return mderrors.NewNotFoundError("container", c.ID)
	}
	c.Clock++
	index := s.b.flusher.HSet(ContainerBucketKey(c.ID, s.cfg.numBuckets), idField(c.ID), string(codec.EncodeContainer(c)))
	if _, ok := s.cache.PutPinned(c.ID, c, c.Clock, index); !ok {
		return mderrors.NewNotFoundError("container", c.ID)
	}
	s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Updated, ID: c.ID, Container: c})
	return nil
}

// RemoveContainer implements metadata.ContainerService. The record, both
// child maps and the entry in the parent are deleted.
func (s *ContainerService) RemoveContainer(ctx context.Context, c *metadata.Container) error {
	if _, err := s.GetContainerMD(ctx, c.ID); err != nil {
		return err
	}

	s.b.flusher.HDel(ContainerBucketKey(c.ID, s.cfg.numBuckets), idField(c.ID))
	s.b.flusher.Del(FilesMapKey(c.ID))
	index := s.b.flusher.Del(ContainersMapKey(c.ID))
	if parent := s.parentOf(ctx, c); parent != nil && parent.UnlinkContainer(c.Name, c.ID) {
		index = s.b.flusher.HDel(ContainersMapKey(parent.ID), c.Name)
		s.pin(parent, index)
	}
	s.cache.Tombstone(c.ID, index)
	s.numContainers.Add(-1)

	s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Deleted, ID: c.ID, Container: c})
	return nil
}

func (s *ContainerService) parentOf(ctx context.Context, c *metadata.Container) *metadata.Container {
	if c.ParentID == 0 {
		return s.topLevel
	}
	parent, err := s.GetContainerMD(ctx, c.ParentID)
	if err != nil {
		logger.WarnCtx(ctx, "Parent of removed container unavailable",
			logger.KeyContainerID, c.ID, "parent_id", c.ParentID, logger.KeyError, err)
		return nil
	}
	return parent
}

// LostFoundContainer implements metadata.ContainerService.
func (s *ContainerService) LostFoundContainer(ctx context.Context, name string) (*metadata.Container, error) {
	lf, err := s.child(ctx, s.topLevel, metadata.LostFoundName)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return lf, nil
	}
	return s.child(ctx, lf, name)
}

func (s *ContainerService) child(ctx context.Context, parent *metadata.Container, name string) (*metadata.Container, error) {
	if id, ok := parent.FindContainer(name); ok {
		return s.GetContainerMD(ctx, id)
	}
	return s.CreateInParent(ctx, name, parent)
}

// ============================================================================
// Child maps
// ============================================================================

// AddFile implements metadata.ContainerService.
func (s *ContainerService) AddFile(ctx context.Context, c *metadata.Container, f *metadata.File) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !c.LinkFile(f.Name, f.ID) {
		return mderrors.NewAlreadyExistsError(f.Name, c.ID)
	}
	f.ContainerID = c.ID
	s.pin(c, s.b.flusher.HSet(FilesMapKey(c.ID), f.Name, idField(f.ID)))
	if s.quota != nil {
		s.quota.FileAdded(f)
	}
	return nil
}

// RemoveFileEntry implements metadata.ContainerService.
func (s *ContainerService) RemoveFileEntry(ctx context.Context, c *metadata.Container, name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	id, ok := c.FindFile(name)
	if !ok {
		return mderrors.NewNotFoundError("file entry "+name, c.ID)
	}
	c.UnlinkFile(name, id)
	s.pin(c, s.b.flusher.HDel(FilesMapKey(c.ID), name))
	return nil
}

// AddContainer implements metadata.ContainerService.
func (s *ContainerService) AddContainer(ctx context.Context, parent, child *metadata.Container) error {
	if err := s.ready(); err != nil {
		return err
	}
	if parent == nil {
		parent = s.topLevel
	}
	if parent.ID == child.ID && parent != s.topLevel {
		return mderrors.NewInvalidArgumentError("container cannot contain itself")
	}
	if !parent.LinkContainer(child.Name, child.ID) {
		return mderrors.NewAlreadyExistsError(child.Name, parent.ID)
	}
	child.ParentID = parent.ID
	s.pin(parent, s.b.flusher.HSet(ContainersMapKey(parent.ID), child.Name, idField(child.ID)))
	return nil
}

// RemoveContainerEntry implements metadata.ContainerService.
func (s *ContainerService) RemoveContainerEntry(ctx context.Context, parent *metadata.Container, name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if parent == nil {
		parent = s.topLevel
	}
	id, ok := parent.FindContainer(name)
	if !ok {
		return mderrors.NewNotFoundError("container entry "+name, parent.ID)
	}
	parent.UnlinkContainer(name, id)
	s.pin(parent, s.b.flusher.HDel(ContainersMapKey(parent.ID), name))
	return nil
}

// TopLevel implements metadata.ContainerService.
func (s *ContainerService) TopLevel() *metadata.Container {
	return s.topLevel
}

// ============================================================================
// Queries
// ============================================================================

// Visit implements metadata.ContainerService. Pending writes are flushed
// first; containers are visited bucket by bucket, in id order inside a
// bucket. Visiting does not fill the cache.
func (s *ContainerService) Visit(ctx context.Context, fn func(*metadata.Container) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.b.flusher.Synchronize(ctx, -1); err != nil {
		return err
	}
	return scanBuckets(ctx, s.b.client, s.cfg.numBuckets, ContainerBucketKey, func(records map[string]string) error {
		for _, id := range sortedIDs(records) {
			c, st := s.cache.Get(id)
			switch st {
			case cache.Deleted:
				continue
			case cache.Miss:
				decoded, err := codec.DecodeContainer([]byte(records[idField(id)]))
				if err != nil {
					return mderrors.NewCorruptionError("undecodable container record: "+err.Error(), id)
				}
				c, err = withChildren(ctx, decoded,
					s.b.fetcher.FilesInContainer(ctx, id), s.b.fetcher.SubContainers(ctx, id))
				if err != nil {
					return err
				}
			}
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// NumContainers implements metadata.ContainerService.
func (s *ContainerService) NumContainers() uint64 {
	return uint64(max(s.numContainers.Load(), 0))
}

// FirstFreeID implements metadata.ContainerService.
func (s *ContainerService) FirstFreeID() uint64 {
	if s.inodes == nil {
		return 1
	}
	return s.inodes.firstFree()
}

// AddChangeListener implements metadata.ContainerService.
func (s *ContainerService) AddChangeListener(l metadata.ContainerListener) {
	s.listeners.Add(l)
}

// sortedIDs returns the numeric fields of a bucket in increasing order.
// Fields that are not ids are skipped.
func sortedIDs(records map[string]string) []uint64 {
	ids := make([]uint64, 0, len(records))
	for field := range records {
		id, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			logger.Warn("Skipping non-numeric bucket field", logger.KeyKey, field)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
