package changelog

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/metadata"
)

type namespace struct {
	dir        string
	containers *ContainerService
	files      *FileService
}

func journalConfig(path string, slave bool) map[string]string {
	return map[string]string{
		metadata.ConfigChangelogPath:  path,
		metadata.ConfigSlaveMode:      strconv.FormatBool(slave),
		metadata.ConfigPollIntervalUs: "1000",
	}
}

// openNamespace initializes both services on the journals in dir.
func openNamespace(t *testing.T, dir string, slave bool) *namespace {
	t.Helper()

	cs := NewContainerService()
	require.NoError(t, cs.Configure(journalConfig(filepath.Join(dir, "directories.mdlog"), slave)))
	cs.SetSlaveLock(&sync.RWMutex{})
	require.NoError(t, cs.Initialize(context.Background()))

	fs := NewFileService()
	require.NoError(t, fs.Configure(journalConfig(filepath.Join(dir, "files.mdlog"), slave)))
	fs.SetContainerService(cs)
	require.NoError(t, fs.Initialize(context.Background()))

	return &namespace{dir: dir, containers: cs, files: fs}
}

func (ns *namespace) close(t *testing.T) {
	t.Helper()
	require.NoError(t, ns.files.Finalize())
	require.NoError(t, ns.containers.Finalize())
}

func (ns *namespace) reopen(t *testing.T) *namespace {
	t.Helper()
	ns.close(t)
	return openNamespace(t, ns.dir, false)
}

// mkdir creates a container under parent (nil for the top level).
func (ns *namespace) mkdir(t *testing.T, parent *metadata.Container, name string) *metadata.Container {
	t.Helper()
	c, err := ns.containers.CreateInParent(context.Background(), name, parent)
	require.NoError(t, err)
	return c
}

// touch creates a file called name in c.
func (ns *namespace) touch(t *testing.T, c *metadata.Container, name string) *metadata.File {
	t.Helper()
	ctx := context.Background()
	f, err := ns.files.CreateFile(ctx)
	require.NoError(t, err)
	f.Name = name
	require.NoError(t, ns.containers.AddFile(ctx, c, f))
	require.NoError(t, ns.files.UpdateStore(ctx, f))
	return f
}

// view is a comparable rendering of a namespace.
type view struct {
	Containers []containerView
	Files      []fileView
	TopLevel   map[string]uint64
}

type containerView struct {
	ID, ParentID, Clock uint64
	Name                string
	Files, Containers   map[string]uint64
}

type fileView struct {
	ID, ContainerID, Size, Clock uint64
	Name                         string
	Locations                    []uint32
}

func (ns *namespace) view(t *testing.T) view {
	t.Helper()
	ctx := context.Background()
	var v view

	require.NoError(t, ns.containers.Visit(ctx, func(c *metadata.Container) error {
		v.Containers = append(v.Containers, containerView{
			ID: c.ID, ParentID: c.ParentID, Clock: c.Clock, Name: c.Name,
			Files: c.Files(), Containers: c.Containers(),
		})
		return nil
	}))
	require.NoError(t, ns.files.Visit(ctx, func(f *metadata.File) error {
		locs := append([]uint32(nil), f.Locations...)
		sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })
		v.Files = append(v.Files, fileView{
			ID: f.ID, ContainerID: f.ContainerID, Size: f.Size, Clock: f.Clock,
			Name: f.Name, Locations: locs,
		})
		return nil
	}))
	v.TopLevel = ns.containers.TopLevel().Containers()
	return v
}

// lockedView renders a slave namespace under its slave lock.
func (ns *namespace) lockedView(t *testing.T) view {
	lock := ns.containers.SlaveLock()
	lock.RLock()
	defer lock.RUnlock()
	return ns.view(t)
}
