package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_LocationTransitions(t *testing.T) {
	f := NewFile(1)
	for loc := uint32(1); loc <= 4; loc++ {
		f.AddLocation(loc)
	}
	f.AddLocation(2) // duplicate is ignored

	f.UnlinkLocation(3)
	f.UnlinkLocation(4)
	f.UnlinkLocation(9) // unknown is ignored

	assert.Equal(t, []uint32{1, 2}, f.Locations)
	assert.Equal(t, []uint32{3, 4}, f.Unlinked)

	f.RemoveLocation(3)
	assert.Equal(t, []uint32{4}, f.Unlinked)

	changes, delta := f.TakeChanges()
	require.Len(t, changes, 7)
	assert.Equal(t, LocationChange{Kind: LocationUnlinked, Location: 3}, changes[4])
	assert.Equal(t, LocationChange{Kind: LocationRemoved, Location: 3}, changes[6])
	assert.Zero(t, delta)

	changes, _ = f.TakeChanges()
	assert.Empty(t, changes)
}

func TestFile_SizeDelta(t *testing.T) {
	f := NewFile(1)
	f.SetSize(100)
	f.SetSize(40)

	_, delta := f.TakeChanges()
	assert.Equal(t, int64(40), delta)
}

func TestFile_CloneIsDeep(t *testing.T) {
	f := NewFile(7)
	f.AddLocation(1)
	f.SetXAttr("sys.acl", "u:1:rwx")
	f.Checksum = []byte{1, 2}

	c := f.Clone()
	c.Locations[0] = 9
	c.XAttrs["sys.acl"] = "changed"
	c.Checksum[0] = 0

	assert.Equal(t, uint32(1), f.Locations[0])
	assert.Equal(t, "u:1:rwx", f.XAttrs["sys.acl"])
	assert.Equal(t, byte(1), f.Checksum[0])

	changes, _ := c.TakeChanges()
	assert.Empty(t, changes)
}

func TestContainer_UnlinkChecksIdentity(t *testing.T) {
	c := NewContainer(10)
	require.True(t, c.LinkFile("a", 1))
	assert.False(t, c.LinkFile("a", 2), "name already taken")

	assert.False(t, c.UnlinkFile("a", 2), "different id must not be detached")
	id, ok := c.FindFile("a")
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)

	assert.True(t, c.UnlinkFile("a", 1))
	assert.Zero(t, c.NumFiles())
}

func TestContainer_CopyAttributesKeepsChildren(t *testing.T) {
	c := NewContainer(10)
	c.LinkContainer("sub", 11)

	o := NewContainer(10)
	o.Name = "renamed"
	o.TreeSize = 99
	c.CopyAttributes(o)

	assert.Equal(t, "renamed", c.Name)
	assert.Equal(t, uint64(99), c.TreeSize)
	assert.Equal(t, map[string]uint64{"sub": 11}, c.Containers())
}

func TestFileEventsFor(t *testing.T) {
	f := NewFile(3)
	f.AddLocation(5)
	f.SetSize(10)
	changes, delta := f.TakeChanges()

	events := FileEventsFor(Updated, f, changes, delta)
	require.Len(t, events, 3)
	assert.Equal(t, LocationAddedEvent, events[0].Type)
	assert.Equal(t, uint32(5), events[0].Location)
	assert.Equal(t, SizeChanged, events[1].Type)
	assert.Equal(t, int64(10), events[1].SizeDelta)
	assert.Equal(t, Updated, events[2].Type)
}

func TestFileListeners_Notify(t *testing.T) {
	var ls FileListeners
	var got []EventType
	ls.Add(FileListenerFunc(func(e FileEvent) { got = append(got, e.Type) }))

	ls.Notify(FileEvent{Type: Created, ID: 1}, FileEvent{Type: Deleted, ID: 1})
	assert.Equal(t, []EventType{Created, Deleted}, got)
}
