package changelog

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// ContainerService keeps container records in a local journal.
type ContainerService struct {
	st        *store[*metadata.Container]
	listeners metadata.ContainerListeners

	// topLevel holds the names of containers with ParentID 0. It is not
	// persisted.
	topLevel *metadata.Container

	slaveLock   *sync.RWMutex
	followerMu  sync.Mutex
	follower    *follower[*metadata.Container]
	configured  bool
	initialized bool
}

var _ metadata.ContainerService = (*ContainerService)(nil)

// NewContainerService returns an unconfigured service.
func NewContainerService() *ContainerService {
	return &ContainerService{
		st:        newStore("container", journal.ContainerMagic, containerCodec),
		topLevel:  metadata.NewContainer(0),
		slaveLock: &sync.RWMutex{},
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Configure implements metadata.ContainerService.
func (s *ContainerService) Configure(cfg map[string]string) error {
	set, err := parseSettings(cfg)
	if err != nil {
		return err
	}
	s.st.cfg = set
	s.configured = true
	return nil
}

// SetMetrics attaches a metrics sink. Call it before Initialize.
func (s *ContainerService) SetMetrics(m Metrics) {
	s.st.metrics = m
}

// SetSlaveLock shares lock between the container and file followers.
// Readers of a slave namespace hold it in read mode.
func (s *ContainerService) SetSlaveLock(lock *sync.RWMutex) {
	if lock != nil {
		s.slaveLock = lock
	}
}

// SlaveLock returns the lock guarding the replicated state.
func (s *ContainerService) SlaveLock() *sync.RWMutex {
	return s.slaveLock
}

// IsSlave reports whether the service mirrors another process's journal.
func (s *ContainerService) IsSlave() bool {
	return s.st.cfg.slave
}

// Initialize opens the journal and rebuilds the container tree.
func (s *ContainerService) Initialize(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "changelog.containers.initialize")
	defer span.End()

	if !s.configured {
		return mderrors.NewConfigurationError("container service not configured")
	}
	if err := s.st.open(); err != nil {
		return err
	}

	if s.st.cfg.slave {
		return s.initializeSlave()
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

// initializeSlave applies the compacted snapshot if there is one and
// leaves everything after it to the follower.
func (s *ContainerService) initializeSlave() error {
	s.follower = newFollower(s.st, containerApplier{s}, s.slaveLock, s.st.activeLog().FirstOffset())
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

// attachLoaded links every loaded container into its parent. Containers
// that cannot be linked are moved to lost+found and the fix is persisted.
func (s *ContainerService) attachLoaded(ctx context.Context) error {
	type broken struct {
		kind string
		c    *metadata.Container
	}
	var toRepair []broken

	all := s.st.index.Objects()
	for _, c := range all {
		c.SetChildren(nil, nil)
	}
	s.topLevel.SetChildren(nil, nil)

	for _, c := range all {
		parent := s.lookup(c.ParentID)
		switch {
		case parent == nil || c.ParentID == c.ID:
			toRepair = append(toRepair, broken{metadata.LostFoundOrphans, c})
		case !parent.LinkContainer(c.Name, c.ID):
			toRepair = append(toRepair, broken{metadata.LostFoundNameConflict, c})
		}
		s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Loaded, ID: c.ID, Container: c})
	}

	for _, b := range toRepair {
		if err := s.attachBroken(ctx, b.kind, b.c); err != nil {
			return err
		}
	}
	return nil
}

// attachBroken moves c to lost+found/<kind>/<parent id> as <name>.<id> and
// persists the new location.
func (s *ContainerService) attachBroken(ctx context.Context, kind string, c *metadata.Container) error {
	dir, err := s.lostFoundDir(ctx, kind, c.ParentID)
	if err != nil {
		return err
	}

	logger.Warn("Moving container to lost+found",
		logger.KeyContainerID, c.ID,
		logger.KeyName, c.Name,
		logger.KeyState, kind)

	c.Name = fmt.Sprintf("%s.%d", c.Name, c.ID)
	c.ParentID = dir.ID
	if !dir.LinkContainer(c.Name, c.ID) {
		return mderrors.NewAlreadyExistsError(c.Name, dir.ID)
	}
	return s.UpdateStore(ctx, c)
}

// lostFoundDir returns lost+found/<kind>/<parent>, creating it as needed.
func (s *ContainerService) lostFoundDir(ctx context.Context, kind string, parent uint64) (*metadata.Container, error) {
	lf, err := s.LostFoundContainer(ctx, kind)
	if err != nil {
		return nil, err
	}
	return s.child(ctx, lf, strconv.FormatUint(parent, 10))
}

// Finalize stops the follower and drops the in-memory state.
func (s *ContainerService) Finalize() error {
	s.followerMu.Lock()
	if s.follower.running() {
		s.follower.stop()
	}
	s.follower = nil
	s.followerMu.Unlock()

	s.topLevel.SetChildren(nil, nil)
	s.initialized = false
	return s.st.close()
}

// ============================================================================
// Slave mode
// ============================================================================

// StartSlave starts tailing the journal.
func (s *ContainerService) StartSlave() error {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	return s.follower.startSlave(s.st.cfg.slave)
}

// StopSlave stops the follower and waits for it to exit.
func (s *ContainerService) StopSlave() error {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	return s.follower.stopSlave(s.st.cfg.slave)
}

type containerApplier struct {
	s *ContainerService
}

func (a containerApplier) applyDelete(id uint64) {
	c, ok := a.s.st.index.Delete(id)
	if !ok {
		return
	}
	if parent := a.s.lookup(c.ParentID); parent != nil {
		parent.UnlinkContainer(c.Name, id)
	}
	a.s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Deleted, ID: id, Container: c})
}

func (a containerApplier) applyUpdate(id, offset uint64, obj *metadata.Container) bool {
	s := a.s
	parent := s.lookup(obj.ParentID)
	if parent == nil {
		return false
	}

	existing, _, ok := s.st.index.Get(id)
	if !ok {
		s.st.index.Put(id, offset, obj)
		if !parent.LinkContainer(obj.Name, id) {
			logger.Warn("Replicated container name already taken",
				logger.KeyContainerID, id,
				logger.KeyName, obj.Name)
		}
		s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Created, ID: id, Container: obj})
		return true
	}

	if existing.ParentID != obj.ParentID || existing.Name != obj.Name {
		if old := s.lookup(existing.ParentID); old != nil {
			old.UnlinkContainer(existing.Name, id)
		}
		if !parent.LinkContainer(obj.Name, id) {
			logger.Warn("Replicated container name already taken",
				logger.KeyContainerID, id,
				logger.KeyName, obj.Name)
		}
	}
	existing.CopyAttributes(obj)
	s.st.index.Put(id, offset, existing)
	s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Updated, ID: id, Container: existing})
	return true
}

// ============================================================================
// Records
// ============================================================================

func (s *ContainerService) writable(op string) error {
	if !s.initialized {
		return mderrors.NewConfigurationError("container service not initialized")
	}
	if s.st.cfg.slave {
		return mderrors.NewReadOnlyError(op)
	}
	return nil
}

// lookup resolves a parent id; 0 is the top level.
func (s *ContainerService) lookup(id uint64) *metadata.Container {
	if id == 0 {
		return s.topLevel
	}
	c, _, ok := s.st.index.Get(id)
	if !ok {
		return nil
	}
	return c
}

// CreateContainer implements metadata.ContainerService.
func (s *ContainerService) CreateContainer(ctx context.Context) (*metadata.Container, error) {
	return s.create(ctx, nil)
}

// CreateInParent implements metadata.ContainerService.
func (s *ContainerService) CreateInParent(ctx context.Context, name string, parent *metadata.Container) (*metadata.Container, error) {
	if name == "" {
		return nil, mderrors.NewInvalidArgumentError("empty container name")
	}
	if parent == nil {
		parent = s.topLevel
	}
	return s.create(ctx, func(c *metadata.Container) error {
		c.Name = name
		c.ParentID = parent.ID
		if !parent.LinkContainer(name, c.ID) {
			return mderrors.NewAlreadyExistsError(name, parent.ID)
		}
		return nil
	})
}

func (s *ContainerService) create(ctx context.Context, setup func(*metadata.Container) error) (*metadata.Container, error) {
	if err := s.writable("create container"); err != nil {
		return nil, err
	}

	c := metadata.NewContainer(s.st.allocate())
	if setup != nil {
		if err := setup(c); err != nil {
			return nil, err
		}
	}
	if err := s.st.appendUpdate(c.ID, c, true); err != nil {
		if parent := s.lookup(c.ParentID); parent != nil && c.Name != "" {
			parent.UnlinkContainer(c.Name, c.ID)
		}
		return nil, err
	}

	logger.DebugCtx(ctx, "Container created", logger.KeyContainerID, c.ID, logger.KeyName, c.Name)
	s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Created, ID: c.ID, Container: c})
	return c, nil
}

// GetContainerMD implements metadata.ContainerService.
func (s *ContainerService) GetContainerMD(ctx context.Context, id uint64) (*metadata.Container, error) {
	return s.st.get(id)
}

// UpdateStore implements metadata.ContainerService.
func (s *ContainerService) UpdateStore(ctx context.Context, c *metadata.Container) error {
	if err := s.writable("update container"); err != nil {
		return err
	}
	c.Clock++
	if err := s.st.appendUpdate(c.ID, c, false); err != nil {
		c.Clock--
		return err
	}
	s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Updated, ID: c.ID, Container: c})
	return nil
}

// RemoveContainer implements metadata.ContainerService. The container is
// also unlinked from its parent.
func (s *ContainerService) RemoveContainer(ctx context.Context, c *metadata.Container) error {
	if err := s.writable("remove container"); err != nil {
		return err
	}
	if err := s.st.appendDelete(c.ID); err != nil {
		return err
	}
	if parent := s.lookup(c.ParentID); parent != nil {
		parent.UnlinkContainer(c.Name, c.ID)
	}
	s.listeners.Notify(metadata.ContainerEvent{Type: metadata.Deleted, ID: c.ID, Container: c})
	return nil
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

// child returns the subcontainer name of parent, creating it when absent.
func (s *ContainerService) child(ctx context.Context, parent *metadata.Container, name string) (*metadata.Container, error) {
	if id, ok := parent.FindContainer(name); ok {
		return s.st.get(id)
	}
	return s.CreateInParent(ctx, name, parent)
}

// ============================================================================
// Child maps
// ============================================================================

// AddFile implements metadata.ContainerService.
func (s *ContainerService) AddFile(ctx context.Context, c *metadata.Container, f *metadata.File) error {
	if err := s.writable("add file"); err != nil {
		return err
	}
	if !c.LinkFile(f.Name, f.ID) {
		return mderrors.NewAlreadyExistsError(f.Name, c.ID)
	}
	f.ContainerID = c.ID
	return nil
}

// RemoveFileEntry implements metadata.ContainerService.
func (s *ContainerService) RemoveFileEntry(ctx context.Context, c *metadata.Container, name string) error {
	if err := s.writable("remove file entry"); err != nil {
		return err
	}
	id, ok := c.FindFile(name)
	if !ok {
		return mderrors.NewNotFoundError("file entry "+name, c.ID)
	}
	c.UnlinkFile(name, id)
	return nil
}

// AddContainer implements metadata.ContainerService.
func (s *ContainerService) AddContainer(ctx context.Context, parent, child *metadata.Container) error {
	if err := s.writable("add container"); err != nil {
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
	return nil
}

// RemoveContainerEntry implements metadata.ContainerService.
func (s *ContainerService) RemoveContainerEntry(ctx context.Context, parent *metadata.Container, name string) error {
	if err := s.writable("remove container entry"); err != nil {
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
	return nil
}

// TopLevel implements metadata.ContainerService.
func (s *ContainerService) TopLevel() *metadata.Container {
	return s.topLevel
}

// ============================================================================
// Queries
// ============================================================================

// Visit implements metadata.ContainerService. Containers are visited in id
// order.
func (s *ContainerService) Visit(ctx context.Context, fn func(*metadata.Container) error) error {
	for _, c := range s.st.index.Objects() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// NumContainers implements metadata.ContainerService.
func (s *ContainerService) NumContainers() uint64 {
	return uint64(s.st.index.Len())
}

// FirstFreeID implements metadata.ContainerService.
func (s *ContainerService) FirstFreeID() uint64 {
	return s.st.firstFreeID()
}

// AddChangeListener implements metadata.ContainerService.
func (s *ContainerService) AddChangeListener(l metadata.ContainerListener) {
	s.listeners.Add(l)
}

// JournalPath returns the configured journal path.
func (s *ContainerService) JournalPath() string {
	return s.st.cfg.path
}

// ============================================================================
// Compaction
// ============================================================================

// PrepareCompaction starts compacting into newPath. The caller drives Copy
// and Commit.
func (s *ContainerService) PrepareCompaction(ctx context.Context, newPath string) (*Compaction, error) {
	return prepareCompaction(ctx, s.st, newPath)
}

// Compact rewrites the journal in place and returns where the replaced
// file was moved.
func (s *ContainerService) Compact(ctx context.Context) (*CompactionResult, error) {
	return compactJournal(ctx, s.st, s.st.cfg.path)
}
