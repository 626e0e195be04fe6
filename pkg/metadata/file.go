package metadata

import (
	"slices"
	"time"
)

// LocationChangeKind identifies a replica location transition.
type LocationChangeKind int

const (
	// LocationAdded means a replica was registered on a file system.
	LocationAdded LocationChangeKind = iota + 1
	// LocationUnlinked means a replica moved to the pending-deletion list.
	LocationUnlinked
	// LocationRemoved means a pending-deletion replica was dropped.
	LocationRemoved
)

// LocationChange is one replica transition recorded by a File mutator.
type LocationChange struct {
	Kind     LocationChangeKind
	Location uint32
}

// File is the metadata record of a file.
//
// Objects are owned by the service that returned them. Callers mutate the
// fields and then hand the object back through UpdateStore.
type File struct {
	ID          uint64
	ContainerID uint64
	Name        string
	LinkName    string

	// Size is the logical size in bytes. Use SetSize so listeners see the change.
	Size     uint64
	UID      uint32
	GID      uint32
	Mode     uint32
	LayoutID uint32

	CTime time.Time
	MTime time.Time

	Checksum []byte

	// Locations are the file systems holding a replica; Unlinked are replicas
	// scheduled for deletion.
	Locations []uint32
	Unlinked  []uint32

	XAttrs map[string]string

	// Clock is bumped on every persisted mutation.
	Clock uint64

	changes   []LocationChange
	sizeDelta int64
}

// NewFile returns an empty file record with both timestamps set to now.
func NewFile(id uint64) *File {
	now := Now()
	return &File{
		ID:     id,
		CTime:  now,
		MTime:  now,
		XAttrs: map[string]string{},
	}
}

// Now returns the current time in the form the codec reproduces exactly.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

// Clone returns a deep copy without pending changes.
func (f *File) Clone() *File {
	c := *f
	c.Checksum = slices.Clone(f.Checksum)
	c.Locations = slices.Clone(f.Locations)
	c.Unlinked = slices.Clone(f.Unlinked)
	c.XAttrs = cloneXAttrs(f.XAttrs)
	c.changes = nil
	c.sizeDelta = 0
	return &c
}

// SetSize sets the logical size and records the delta.
func (f *File) SetSize(size uint64) {
	f.sizeDelta += int64(size) - int64(f.Size)
	f.Size = size
}

// HasLocation reports whether loc holds a live replica.
func (f *File) HasLocation(loc uint32) bool {
	return slices.Contains(f.Locations, loc)
}

// HasUnlinkedLocation reports whether loc is scheduled for deletion.
func (f *File) HasUnlinkedLocation(loc uint32) bool {
	return slices.Contains(f.Unlinked, loc)
}

// AddLocation registers a replica. Adding a known location is a no-op.
func (f *File) AddLocation(loc uint32) {
	if f.HasLocation(loc) {
		return
	}
	f.Locations = append(f.Locations, loc)
	f.changes = append(f.changes, LocationChange{Kind: LocationAdded, Location: loc})
}

// UnlinkLocation moves a replica to the unlinked list.
func (f *File) UnlinkLocation(loc uint32) {
	i := slices.Index(f.Locations, loc)
	if i < 0 {
		return
	}
	f.Locations = slices.Delete(f.Locations, i, i+1)
	f.Unlinked = append(f.Unlinked, loc)
	f.changes = append(f.changes, LocationChange{Kind: LocationUnlinked, Location: loc})
}

// UnlinkAllLocations unlinks every live replica.
func (f *File) UnlinkAllLocations() {
	for _, loc := range slices.Clone(f.Locations) {
		f.UnlinkLocation(loc)
	}
}

// RemoveLocation drops an unlinked replica.
func (f *File) RemoveLocation(loc uint32) {
	i := slices.Index(f.Unlinked, loc)
	if i < 0 {
		return
	}
	f.Unlinked = slices.Delete(f.Unlinked, i, i+1)
	f.changes = append(f.changes, LocationChange{Kind: LocationRemoved, Location: loc})
}

// SetXAttr sets an extended attribute.
func (f *File) SetXAttr(key, value string) {
	if f.XAttrs == nil {
		f.XAttrs = map[string]string{}
	}
	f.XAttrs[key] = value
}

// RemoveXAttr removes an extended attribute.
func (f *File) RemoveXAttr(key string) {
	delete(f.XAttrs, key)
}

// TakeChanges returns and clears the location changes and size delta
// recorded since the last call.
func (f *File) TakeChanges() ([]LocationChange, int64) {
	changes, delta := f.changes, f.sizeDelta
	f.changes, f.sizeDelta = nil, 0
	return changes, delta
}

func cloneXAttrs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
