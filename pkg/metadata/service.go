// Package metadata defines the file and container records of the namespace
// and the contract shared by every persistence backend.
package metadata

import (
	"context"
	"sync"
)

// Configuration keys understood by the services.
const (
	ConfigChangelogPath   = "changelog_path"
	ConfigSlaveMode       = "slave_mode"
	ConfigPollIntervalUs  = "poll_interval_us"
	ConfigCluster         = "qdb_cluster"
	ConfigFlusherMD       = "qdb_flusher_md"
	ConfigFlusherQuota    = "qdb_flusher_quota"
	ConfigNumBuckets      = "qdb_num_buckets"
	ConfigFileCacheSize   = "file_cache_size"
	ConfigContainerCache  = "container_cache_size"
	ConfigSyncOnAppend    = "changelog_sync"
	LostFoundName         = "lost+found"
	LostFoundOrphans      = "orphans"
	LostFoundNameConflict = "name_conflicts"
)

// FileService persists file records.
type FileService interface {
	// ========================================================================
	// Lifecycle
	// ========================================================================

	// Configure validates and stores the opaque configuration map.
	// Missing required keys fail with a Configuration error.
	Configure(cfg map[string]string) error

	// Initialize loads or connects the backend. No other call is valid before it.
	Initialize(ctx context.Context) error

	// Finalize releases every resource. The service may be initialized again.
	Finalize() error

	// ========================================================================
	// Records
	// ========================================================================

	// CreateFile allocates a new id and persists an empty record.
	CreateFile(ctx context.Context) (*File, error)

	// GetFileMD returns the record with the given id or a NotFound error.
	GetFileMD(ctx context.Context, id uint64) (*File, error)

	// UpdateStore persists the current state of f.
	UpdateStore(ctx context.Context, f *File) error

	// RemoveFile deletes the record of f. Removing an unknown id fails
	// with NotFound and changes nothing.
	RemoveFile(ctx context.Context, f *File) error

	// Visit calls fn for every known record until fn returns an error.
	Visit(ctx context.Context, fn func(*File) error) error

	// ========================================================================
	// Introspection
	// ========================================================================

	NumFiles() uint64
	FirstFreeID() uint64
	AddChangeListener(l FileListener)
}

// ContainerService persists container records and their child maps.
type ContainerService interface {
	Configure(cfg map[string]string) error
	Initialize(ctx context.Context) error
	Finalize() error

	// CreateContainer allocates a new id and persists an empty record.
	CreateContainer(ctx context.Context) (*Container, error)

	// CreateInParent creates a container called name below parent, or at
	// the top level when parent is nil.
	CreateInParent(ctx context.Context, name string, parent *Container) (*Container, error)

	GetContainerMD(ctx context.Context, id uint64) (*Container, error)
	UpdateStore(ctx context.Context, c *Container) error
	RemoveContainer(ctx context.Context, c *Container) error

	// LostFoundContainer returns lost+found/<name>, creating it on demand.
	LostFoundContainer(ctx context.Context, name string) (*Container, error)

	// ========================================================================
	// Child maps
	// ========================================================================

	// AddFile links f into c and sets f.ContainerID. The caller persists f.
	AddFile(ctx context.Context, c *Container, f *File) error

	// RemoveFileEntry unlinks the file called name from c.
	RemoveFileEntry(ctx context.Context, c *Container, name string) error

	// AddContainer links child into parent (top level when parent is nil)
	// and sets child.ParentID. The caller persists child.
	AddContainer(ctx context.Context, parent, child *Container) error

	// RemoveContainerEntry unlinks the subcontainer called name.
	RemoveContainerEntry(ctx context.Context, parent *Container, name string) error

	// TopLevel returns the pseudo-container holding top-level names.
	TopLevel() *Container

	Visit(ctx context.Context, fn func(*Container) error) error
	NumContainers() uint64
	FirstFreeID() uint64
	AddChangeListener(l ContainerListener)
}

// FileListeners is a concurrency-safe list of file listeners.
type FileListeners struct {
	mu        sync.RWMutex
	listeners []FileListener
}

// Add registers l.
func (ls *FileListeners) Add(l FileListener) {
	ls.mu.Lock()
	ls.listeners = append(ls.listeners, l)
	ls.mu.Unlock()
}

// Notify delivers events to every listener in registration order.
func (ls *FileListeners) Notify(events ...FileEvent) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, e := range events {
		for _, l := range ls.listeners {
			l.FileChanged(e)
		}
	}
}

// ContainerListeners is a concurrency-safe list of container listeners.
type ContainerListeners struct {
	mu        sync.RWMutex
	listeners []ContainerListener
}

// Add registers l.
func (ls *ContainerListeners) Add(l ContainerListener) {
	ls.mu.Lock()
	ls.listeners = append(ls.listeners, l)
	ls.mu.Unlock()
}

// Notify delivers e to every listener.
func (ls *ContainerListeners) Notify(e ContainerEvent) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, l := range ls.listeners {
		l.ContainerChanged(e)
	}
}
