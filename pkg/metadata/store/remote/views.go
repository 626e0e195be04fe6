package remote

import (
	"context"
	"sync"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/flusher"
	"github.com/synnove/eos/pkg/metadata"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
	"github.com/synnove/eos/pkg/registry"
)

// ============================================================================
// File-system view
// ============================================================================

// FileSystemView keeps the per-location file sets and the no-replica set
// in step with file location changes.
type FileSystemView struct {
	flusher *flusher.MetadataFlusher
}

// NewFileSystemView returns a view writing through f.
func NewFileSystemView(f *flusher.MetadataFlusher) *FileSystemView {
	return &FileSystemView{flusher: f}
}

// FileChanged implements metadata.FileListener.
func (v *FileSystemView) FileChanged(e metadata.FileEvent) {
	id := idField(e.ID)
	switch e.Type {
	case metadata.Created:
		v.flusher.SAdd(NoReplicasKey, id)
	case metadata.LocationAddedEvent:
		v.flusher.SAdd(FilesystemFilesKey(e.Location), id)
		v.flusher.SRem(NoReplicasKey, id)
	case metadata.LocationUnlinkedEvent:
		v.flusher.SRem(FilesystemFilesKey(e.Location), id)
		v.flusher.SAdd(FilesystemUnlinkedKey(e.Location), id)
	case metadata.LocationRemovedEvent:
		v.flusher.SRem(FilesystemUnlinkedKey(e.Location), id)
		if f := e.File; f != nil && len(f.Locations) == 0 && len(f.Unlinked) == 0 {
			v.flusher.SAdd(NoReplicasKey, id)
		}
	case metadata.Deleted:
		v.flusher.SRem(NoReplicasKey, id)
		if f := e.File; f != nil {
			for _, loc := range f.Locations {
				v.flusher.SRem(FilesystemFilesKey(loc), id)
			}
			for _, loc := range f.Unlinked {
				v.flusher.SRem(FilesystemUnlinkedKey(loc), id)
			}
		}
	}
}

// ============================================================================
// Quota accounting
// ============================================================================

// QuotaStats maintains per-uid and per-gid counters of every container:
// number of files, logical size and physical size (logical size times
// replicas, unlinked replicas included). Limits are not enforced.
//
// Files are counted when linked with AddFile and uncounted when deleted.
// Sizes are accounted while a file is linked; a file moved to another
// container keeps its sizes in the first one.
type QuotaStats struct {
	flusher *flusher.MetadataFlusher

	mu sync.Mutex
	// pending accumulates the location and size events of a mutation
	// until its closing Updated or Deleted event.
	pending map[uint64]*quotaDelta
}

type quotaDelta struct {
	added   int64
	removed int64
	size    int64
}

// NewQuotaStats returns counters writing through f.
func NewQuotaStats(f *flusher.MetadataFlusher) *QuotaStats {
	return &QuotaStats{flusher: f, pending: make(map[uint64]*quotaDelta)}
}

// FileAdded counts f in its container.
func (q *QuotaStats) FileAdded(f *metadata.File) {
	if f.ContainerID == 0 {
		return
	}
	q.incr(f, quotaFilesField, 1)
}

// FileChanged implements metadata.FileListener.
func (q *QuotaStats) FileChanged(e metadata.FileEvent) {
	switch e.Type {
	case metadata.LocationAddedEvent:
		q.delta(e.ID).added++
	case metadata.LocationRemovedEvent:
		q.delta(e.ID).removed++
	case metadata.SizeChanged:
		q.delta(e.ID).size += e.SizeDelta
	case metadata.Created:
		q.take(e.ID)
	case metadata.Updated:
		d := q.take(e.ID)
		f := e.File
		if f == nil || f.ContainerID == 0 {
			return
		}
		size, replicas := int64(f.Size), int64(len(f.Locations)+len(f.Unlinked))
		before, beforeReplicas := size-d.size, replicas-d.added+d.removed
		q.incr(f, quotaLogicalField, d.size)
		q.incr(f, quotaPhysicalField, size*replicas-before*beforeReplicas)
	case metadata.Deleted:
		d := q.take(e.ID)
		f := e.File
		if f == nil || f.ContainerID == 0 {
			return
		}
		// Pending changes of the deleting mutation were never accounted.
		size := int64(f.Size) - d.size
		replicas := int64(len(f.Locations)+len(f.Unlinked)) - d.added + d.removed
		q.incr(f, quotaFilesField, -1)
		q.incr(f, quotaLogicalField, -size)
		q.incr(f, quotaPhysicalField, -size*replicas)
	}
}

func (q *QuotaStats) delta(id uint64) *quotaDelta {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.pending[id]
	if !ok {
		d = &quotaDelta{}
		q.pending[id] = d
	}
	return d
}

func (q *QuotaStats) take(id uint64) quotaDelta {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.pending[id]
	if !ok {
		return quotaDelta{}
	}
	delete(q.pending, id)
	return *d
}

func (q *QuotaStats) incr(f *metadata.File, field func(uint32) string, n int64) {
	if n == 0 {
		return
	}
	q.flusher.HIncrBy(QuotaUIDKey(f.ContainerID), field(f.UID), n)
	q.flusher.HIncrBy(QuotaGIDKey(f.ContainerID), field(f.GID), n)
}

// ============================================================================
// Wiring
// ============================================================================

// AttachViews registers a FileSystemView on fs and, when qdb_flusher_quota
// is configured, a QuotaStats on both services. Call it once, after both
// services are initialized.
func AttachViews(ctx context.Context, reg *registry.Registry, fs *FileService, cs *ContainerService) (*FileSystemView, *QuotaStats, error) {
	if err := fs.ready(); err != nil {
		return nil, nil, err
	}
	view := NewFileSystemView(fs.Flusher())
	fs.AddChangeListener(view)

	if fs.cfg.flusherQuota == "" {
		return view, nil, nil
	}
	qf, err := reg.MetadataFlusher(ctx, fs.cfg.flusherQuota, fs.cfg.cluster)
	if err != nil {
		return nil, nil, mderrors.NewRemoteError("open flusher "+fs.cfg.flusherQuota, err)
	}
	quota := NewQuotaStats(qf)
	fs.AddChangeListener(quota)
	cs.SetQuotaStats(quota)

	logger.InfoCtx(ctx, "Quota accounting enabled", logger.KeyFlusher, fs.cfg.flusherQuota)
	return view, quota, nil
}
