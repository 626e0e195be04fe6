package metadata

import (
	"sync"
	"time"
)

// Container is the metadata record of a directory.
//
// The child maps hold ids keyed by name, never objects. They are derived
// state: the journal backend rebuilds them on load and the remote backend
// keeps them under their own keys, so the record codec does not encode them.
type Container struct {
	ID       uint64
	ParentID uint64 // 0 for top-level containers
	Name     string

	UID   uint32
	GID   uint32
	Mode  uint32
	Flags uint32

	CTime  time.Time
	MTime  time.Time
	TMTime time.Time // latest modification anywhere below this container

	TreeSize uint64

	XAttrs map[string]string
	Clock  uint64

	mu            sync.RWMutex
	files         map[string]uint64
	subcontainers map[string]uint64
}

// NewContainer returns an empty container record with timestamps set to now.
func NewContainer(id uint64) *Container {
	now := Now()
	return &Container{
		ID:            id,
		CTime:         now,
		MTime:         now,
		TMTime:        now,
		XAttrs:        map[string]string{},
		files:         map[string]uint64{},
		subcontainers: map[string]uint64{},
	}
}

// CopyAttributes overwrites the persisted fields of c with those of o.
// Child maps are left untouched.
func (c *Container) CopyAttributes(o *Container) {
	c.ID = o.ID
	c.ParentID = o.ParentID
	c.Name = o.Name
	c.UID = o.UID
	c.GID = o.GID
	c.Mode = o.Mode
	c.Flags = o.Flags
	c.CTime = o.CTime
	c.MTime = o.MTime
	c.TMTime = o.TMTime
	c.TreeSize = o.TreeSize
	c.XAttrs = cloneXAttrs(o.XAttrs)
	c.Clock = o.Clock
}

// Clone returns a copy of the persisted fields and the child maps.
func (c *Container) Clone() *Container {
	out := NewContainer(c.ID)
	out.CopyAttributes(c)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for n, id := range c.files {
		out.files[n] = id
	}
	for n, id := range c.subcontainers {
		out.subcontainers[n] = id
	}
	return out
}

// SetXAttr sets an extended attribute.
func (c *Container) SetXAttr(key, value string) {
	if c.XAttrs == nil {
		c.XAttrs = map[string]string{}
	}
	c.XAttrs[key] = value
}

// ============================================================================
// Child maps
// ============================================================================

// FindFile returns the id of the file called name.
func (c *Container) FindFile(name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.files[name]
	return id, ok
}

// FindContainer returns the id of the subcontainer called name.
func (c *Container) FindContainer(name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.subcontainers[name]
	return id, ok
}

// LinkFile records name -> id. It reports false if the name is taken.
func (c *Container) LinkFile(name string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.files == nil {
		c.files = map[string]uint64{}
	}
	if _, taken := c.files[name]; taken {
		return false
	}
	c.files[name] = id
	return true
}

// LinkContainer records name -> id. It reports false if the name is taken.
func (c *Container) LinkContainer(name string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subcontainers == nil {
		c.subcontainers = map[string]uint64{}
	}
	if _, taken := c.subcontainers[name]; taken {
		return false
	}
	c.subcontainers[name] = id
	return true
}

// UnlinkFile removes name if it still maps to id. This protects a
// same-named replacement from being detached by a stale removal.
func (c *Container) UnlinkFile(name string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.files[name]; ok && cur == id {
		delete(c.files, name)
		return true
	}
	return false
}

// UnlinkContainer removes name if it still maps to id.
func (c *Container) UnlinkContainer(name string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subcontainers[name]; ok && cur == id {
		delete(c.subcontainers, name)
		return true
	}
	return false
}

// Files returns a copy of the name -> file id map.
func (c *Container) Files() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneIDs(c.files)
}

// Containers returns a copy of the name -> container id map.
func (c *Container) Containers() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneIDs(c.subcontainers)
}

// NumFiles returns the number of files directly in c.
func (c *Container) NumFiles() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// NumContainers returns the number of direct subcontainers.
func (c *Container) NumContainers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subcontainers)
}

// SetChildren replaces both child maps. Used when children are loaded
// from a remote store.
func (c *Container) SetChildren(files, subcontainers map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = cloneIDs(files)
	c.subcontainers = cloneIDs(subcontainers)
}

func cloneIDs(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
