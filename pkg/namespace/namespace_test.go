package namespace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/metadata"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
	"github.com/synnove/eos/pkg/registry"
)

func changelogOptions(dir string, slave bool) Options {
	mode := "false"
	if slave {
		mode = "true"
	}
	return Options{
		Kind: KindChangelog,
		Files: map[string]string{
			metadata.ConfigChangelogPath:  filepath.Join(dir, "files.mdlog"),
			metadata.ConfigSlaveMode:      mode,
			metadata.ConfigPollIntervalUs: "1000",
		},
		Containers: map[string]string{
			metadata.ConfigChangelogPath:  filepath.Join(dir, "directories.mdlog"),
			metadata.ConfigSlaveMode:      mode,
			metadata.ConfigPollIntervalUs: "1000",
		},
	}
}

func remoteOptions() Options {
	cfg := map[string]string{
		metadata.ConfigCluster:      "mem://ns",
		metadata.ConfigFlusherMD:    "ns_md",
		metadata.ConfigFlusherQuota: "ns_quota",
		metadata.ConfigNumBuckets:   "16",
	}
	return Options{Kind: KindRemote, Files: cfg, Containers: cfg}
}

func populate(t *testing.T, ns *Namespace) (*metadata.Container, *metadata.File) {
	t.Helper()
	ctx := context.Background()
	c, err := ns.Containers().CreateInParent(ctx, "dir", nil)
	require.NoError(t, err)
	f, err := ns.Files().CreateFile(ctx)
	require.NoError(t, err)
	f.Name = "file"
	require.NoError(t, ns.Containers().AddFile(ctx, c, f))
	require.NoError(t, ns.Files().UpdateStore(ctx, f))
	return c, f
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Kind: "tape"}, nil)
	require.Error(t, err)
	assert.True(t, mderrors.IsConfigurationError(err))
}

func TestOpenRemoteNeedsRegistry(t *testing.T) {
	_, err := Open(context.Background(), remoteOptions(), nil)
	require.Error(t, err)
	assert.True(t, mderrors.IsConfigurationError(err))
}

func TestOpenMissingConfiguration(t *testing.T) {
	opts := changelogOptions(t.TempDir(), false)
	delete(opts.Files, metadata.ConfigChangelogPath)
	_, err := Open(context.Background(), opts, nil)
	require.Error(t, err)
	assert.True(t, mderrors.IsConfigurationError(err))
}

func TestChangelogNamespace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ns, err := Open(ctx, changelogOptions(dir, false), nil)
	require.NoError(t, err)
	assert.Equal(t, KindChangelog, ns.Kind())
	assert.False(t, ns.IsSlave())

	c, f := populate(t, ns)

	st := ns.Status()
	assert.Equal(t, KindChangelog, st.Backend)
	assert.EqualValues(t, 1, st.Files)
	assert.EqualValues(t, 1, st.Containers)
	assert.Equal(t, filepath.Join(dir, "files.mdlog"), st.FilesJournal)
	assert.Empty(t, st.Flushers)

	results, err := ns.Compact(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.FileExists(t, res.OldPath)
	}

	_, err = ns.CheckFiles(ctx)
	assert.Error(t, err)
	require.NoError(t, ns.Close())

	ns, err = Open(ctx, changelogOptions(dir, false), nil)
	require.NoError(t, err)
	defer ns.Close()

	got, err := ns.Containers().GetContainerMD(ctx, c.ID)
	require.NoError(t, err)
	id, ok := got.FindFile("file")
	require.True(t, ok)
	assert.Equal(t, f.ID, id)
}

func TestSlaveNamespace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	master, err := Open(ctx, changelogOptions(dir, false), nil)
	require.NoError(t, err)
	defer master.Close()
	populate(t, master)

	slave, err := Open(ctx, changelogOptions(dir, true), nil)
	require.NoError(t, err)
	assert.True(t, slave.IsSlave())
	assert.True(t, slave.Status().Slave)

	_, err = slave.Compact(ctx)
	assert.True(t, mderrors.IsReadOnlyError(err))

	require.NoError(t, slave.StartSlave())
	require.NoError(t, slave.Close())

	assert.Error(t, master.StartSlave())
}

func TestRemoteNamespace(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.New(registry.Options{Persistency: registry.PersistencyMemory})
	require.NoError(t, err)
	defer reg.Close(ctx)

	ns, err := Open(ctx, remoteOptions(), reg)
	require.NoError(t, err)
	assert.Equal(t, KindRemote, ns.Kind())
	assert.True(t, ns.QuotaEnabled())

	populate(t, ns)

	report, err := ns.CheckFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Zero(t, report.Repaired.Total())

	st := ns.Status()
	assert.EqualValues(t, 1, st.Files)
	assert.EqualValues(t, 1, st.Containers)
	assert.True(t, st.Quota)
	ids := make([]string, 0, len(st.Flushers))
	for _, info := range st.Flushers {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"ns_md", "ns_quota"}, ids)

	_, err = ns.Compact(ctx)
	assert.Error(t, err)
	assert.Error(t, ns.StartSlave())
	require.NoError(t, ns.Close())
}
