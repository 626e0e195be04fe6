package changelog

import (
	"context"
	"fmt"
	"sync"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// FileService keeps file records in a local journal. It links files into
// the containers of a ContainerService, which must be initialized first.
type FileService struct {
	st         *store[*metadata.File]
	listeners  metadata.FileListeners
	containers *ContainerService

	followerMu  sync.Mutex
	follower    *follower[*metadata.File]
	configured  bool
	initialized bool
}

var _ metadata.FileService = (*FileService)(nil)

// NewFileService returns an unconfigured service.
func NewFileService() *FileService {
	return &FileService{
		st: newStore("file", journal.FileMagic, fileCodec),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Configure implements metadata.FileService.
func (s *FileService) Configure(cfg map[string]string) error {
	set, err := parseSettings(cfg)
	if err != nil {
		return err
	}
	s.st.cfg = set
	s.configured = true
	return nil
}

// SetContainerService sets the service files are linked into.
func (s *FileService) SetContainerService(cs *ContainerService) {
	s.containers = cs
}

// SetMetrics attaches a metrics sink. Call it before Initialize.
func (s *FileService) SetMetrics(m Metrics) {
	s.st.metrics = m
}

// IsSlave reports whether the service mirrors another process's journal.
func (s *FileService) IsSlave() bool {
	return s.st.cfg.slave
}

// Initialize opens the journal and links every file into its container.
func (s *FileService) Initialize(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "changelog.files.initialize")
	defer span.End()

	if !s.configured {
		return mderrors.NewConfigurationError("file service not configured")
	}
	if s.containers == nil {
		return mderrors.NewConfigurationError("file service needs a container service")
	}
	if s.containers.IsSlave() != s.st.cfg.slave {
		return mderrors.NewConfigurationError("file and container services disagree on slave_mode")
	}
	if err := s.st.open(); err != nil {
		return err
	}

	if s.st.cfg.slave {
		s.follower = newFollower(s.st, fileApplier{s}, s.containers.SlaveLock(), s.st.activeLog().FirstOffset())
		if s.st.activeLog().Compacted() {
			if err := s.follower.prime(); err != nil {
				s.follower = nil
				_ = s.st.close()
				return err
			}
		}
		s.initialized = true
		return nil
	}

	if _, err := s.st.load(ctx); err != nil {
		_ = s.st.close()
		return err
	}
	s.initialized = true
	if err := s.attachLoaded(ctx); err != nil {
		s.initialized = false
		_ = s.st.close()
		return err
	}
	return nil
}

// attachLoaded links loaded files into their containers. Files whose
// container is missing, or whose name is taken, go to lost+found.
func (s *FileService) attachLoaded(ctx context.Context) error {
	type broken struct {
		kind string
		f    *metadata.File
	}
	var toRepair []broken

	for _, f := range s.st.index.Objects() {
		c := s.container(f.ContainerID)
		switch {
		case c == nil:
			toRepair = append(toRepair, broken{metadata.LostFoundOrphans, f})
		case !c.LinkFile(f.Name, f.ID):
			toRepair = append(toRepair, broken{metadata.LostFoundNameConflict, f})
		}
		s.listeners.Notify(metadata.FileEvent{Type: metadata.Loaded, ID: f.ID, File: f})
	}

	for _, b := range toRepair {
		if err := s.attachBroken(ctx, b.kind, b.f); err != nil {
			return err
		}
	}
	return nil
}

// attachBroken moves f to lost+found/<kind>/<container id> as <name>.<id>
// and persists the move.
func (s *FileService) attachBroken(ctx context.Context, kind string, f *metadata.File) error {
	dir, err := s.containers.lostFoundDir(ctx, kind, f.ContainerID)
	if err != nil {
		return err
	}

	logger.Warn("Moving file to lost+found",
		logger.KeyFileID, f.ID,
		logger.KeyContainerID, f.ContainerID,
		logger.KeyName, f.Name,
		logger.KeyState, kind)

	f.Name = fmt.Sprintf("%s.%d", f.Name, f.ID)
	f.ContainerID = dir.ID
	if !dir.LinkFile(f.Name, f.ID) {
		return mderrors.NewAlreadyExistsError(f.Name, dir.ID)
	}
	return s.UpdateStore(ctx, f)
}

// Finalize stops the follower and drops the in-memory state.
func (s *FileService) Finalize() error {
	s.followerMu.Lock()
	if s.follower.running() {
		s.follower.stop()
	}
	s.follower = nil
	s.followerMu.Unlock()

	s.initialized = false
	return s.st.close()
}

// ============================================================================
// Slave mode
// ============================================================================

// StartSlave starts tailing the journal. It shares the slave lock of the
// container service.
func (s *FileService) StartSlave() error {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	return s.follower.startSlave(s.st.cfg.slave)
}

// StopSlave stops the follower and waits for it to exit.
func (s *FileService) StopSlave() error {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	return s.follower.stopSlave(s.st.cfg.slave)
}

type fileApplier struct {
	s *FileService
}

func (a fileApplier) applyDelete(id uint64) {
	f, ok := a.s.st.index.Delete(id)
	if !ok {
		return
	}
	if c := a.s.container(f.ContainerID); c != nil {
		c.UnlinkFile(f.Name, id)
	}
	a.s.listeners.Notify(metadata.FileEvent{Type: metadata.Deleted, ID: id, File: f})
}

// applyUpdate places obj. A file with ContainerID 0 is not linked anywhere
// yet; any other file waits until its container has been replicated.
func (a fileApplier) applyUpdate(id, offset uint64, obj *metadata.File) bool {
	s := a.s
	var parent *metadata.Container
	if obj.ContainerID != 0 {
		if parent = s.container(obj.ContainerID); parent == nil {
			return false
		}
	}

	link := func() {
		if parent != nil && !parent.LinkFile(obj.Name, id) {
			logger.Warn("Replicated file name already taken",
				logger.KeyFileID, id,
				logger.KeyContainerID, obj.ContainerID,
				logger.KeyName, obj.Name)
		}
	}

	existing, _, ok := s.st.index.Get(id)
	if !ok {
		s.st.index.Put(id, offset, obj)
		link()
		s.listeners.Notify(metadata.FileEvent{Type: metadata.Created, ID: id, File: obj})
		return true
	}

	if existing.ContainerID != obj.ContainerID || existing.Name != obj.Name {
		if old := s.container(existing.ContainerID); old != nil {
			old.UnlinkFile(existing.Name, id)
		}
		link()
	}
	*existing = *obj
	s.st.index.Put(id, offset, existing)
	s.listeners.Notify(metadata.FileEvent{Type: metadata.Updated, ID: id, File: existing})
	return true
}

// ============================================================================
// Records
// ============================================================================

func (s *FileService) writable(op string) error {
	if !s.initialized {
		return mderrors.NewConfigurationError("file service not initialized")
	}
	if s.st.cfg.slave {
		return mderrors.NewReadOnlyError(op)
	}
	return nil
}

func (s *FileService) container(id uint64) *metadata.Container {
	if id == 0 {
		return nil
	}
	c, _, ok := s.containers.st.index.Get(id)
	if !ok {
		return nil
	}
	return c
}

// CreateFile implements metadata.FileService.
func (s *FileService) CreateFile(ctx context.Context) (*metadata.File, error) {
	if err := s.writable("create file"); err != nil {
		return nil, err
	}
	f := metadata.NewFile(s.st.allocate())
	if err := s.st.appendUpdate(f.ID, f, true); err != nil {
		return nil, err
	}
	logger.DebugCtx(ctx, "File created", logger.KeyFileID, f.ID)
	s.listeners.Notify(metadata.FileEvent{Type: metadata.Created, ID: f.ID, File: f})
	return f, nil
}

// GetFileMD implements metadata.FileService.
func (s *FileService) GetFileMD(ctx context.Context, id uint64) (*metadata.File, error) {
	return s.st.get(id)
}

// UpdateStore implements metadata.FileService. Pending location changes
// of f are reported to listeners once the record is written.
func (s *FileService) UpdateStore(ctx context.Context, f *metadata.File) error {
	if err := s.writable("update file"); err != nil {
		return err
	}
	f.Clock++
	if err := s.st.appendUpdate(f.ID, f, false); err != nil {
		f.Clock--
		return err
	}
	changes, delta := f.TakeChanges()
	s.listeners.Notify(metadata.FileEventsFor(metadata.Updated, f, changes, delta)...)
	return nil
}

// RemoveFile implements metadata.FileService. The file is unlinked from
// its container as well.
func (s *FileService) RemoveFile(ctx context.Context, f *metadata.File) error {
	if err := s.writable("remove file"); err != nil {
		return err
	}
	if err := s.st.appendDelete(f.ID); err != nil {
		return err
	}
	if c := s.container(f.ContainerID); c != nil {
		c.UnlinkFile(f.Name, f.ID)
	}
	changes, delta := f.TakeChanges()
	s.listeners.Notify(metadata.FileEventsFor(metadata.Deleted, f, changes, delta)...)
	return nil
}

// Visit implements metadata.FileService. Files are visited in id order.
func (s *FileService) Visit(ctx context.Context, fn func(*metadata.File) error) error {
	for _, f := range s.st.index.Objects() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// NumFiles implements metadata.FileService.
func (s *FileService) NumFiles() uint64 {
	return uint64(s.st.index.Len())
}

// FirstFreeID implements metadata.FileService.
func (s *FileService) FirstFreeID() uint64 {
	return s.st.firstFreeID()
}

// AddChangeListener implements metadata.FileService.
func (s *FileService) AddChangeListener(l metadata.FileListener) {
	s.listeners.Add(l)
}

// JournalPath returns the configured journal path.
func (s *FileService) JournalPath() string {
	return s.st.cfg.path
}

// ============================================================================
// Compaction
// ============================================================================

// PrepareCompaction starts compacting into newPath. The caller drives Copy
// and Commit.
func (s *FileService) PrepareCompaction(ctx context.Context, newPath string) (*Compaction, error) {
	return prepareCompaction(ctx, s.st, newPath)
}

// Compact rewrites the journal in place and returns where the replaced
// file was moved.
func (s *FileService) Compact(ctx context.Context) (*CompactionResult, error) {
	return compactJournal(ctx, s.st, s.st.cfg.path)
}
