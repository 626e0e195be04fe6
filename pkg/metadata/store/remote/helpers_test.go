package remote

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/kv"
	"github.com/synnove/eos/pkg/metadata"
	"github.com/synnove/eos/pkg/registry"
)

const (
	testCluster      = "mem://ns"
	testFlusherMD    = "tests_md"
	testFlusherQuota = "tests_quota"
)

func remoteConfig(quota bool) map[string]string {
	cfg := map[string]string{
		metadata.ConfigCluster:    testCluster,
		metadata.ConfigFlusherMD:  testFlusherMD,
		metadata.ConfigNumBuckets: "16",
	}
	if quota {
		cfg[metadata.ConfigFlusherQuota] = testFlusherQuota
	}
	return cfg
}

type recordingMetrics struct {
	mu       sync.Mutex
	hits     int
	misses   int
	repaired map[string]int
}

func (m *recordingMetrics) ObserveHit(string)      { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *recordingMetrics) ObserveMiss(string)     { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *recordingMetrics) ObserveEviction(string) {}

func (m *recordingMetrics) ObserveRepair(mapping string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.repaired == nil {
		m.repaired = map[string]int{}
	}
	m.repaired[mapping] += n
}

type namespace struct {
	reg        *registry.Registry
	quota      bool
	metrics    *recordingMetrics
	containers *ContainerService
	files      *FileService
}

// newNamespace opens both services on a fresh in-memory cluster.
func newNamespace(t *testing.T, quota bool) *namespace {
	t.Helper()
	reg, err := registry.New(registry.Options{Persistency: registry.PersistencyMemory})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reg.Close(context.Background())) })

	ns := &namespace{reg: reg, quota: quota}
	ns.open(t)
	return ns
}

func (ns *namespace) open(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	ns.metrics = &recordingMetrics{}

	cs := NewContainerService(ns.reg)
	require.NoError(t, cs.Configure(remoteConfig(ns.quota)))
	cs.SetMetrics(ns.metrics)
	require.NoError(t, cs.Initialize(ctx))

	fs := NewFileService(ns.reg)
	require.NoError(t, fs.Configure(remoteConfig(ns.quota)))
	fs.SetContainerService(cs)
	fs.SetMetrics(ns.metrics)
	require.NoError(t, fs.Initialize(ctx))

	_, _, err := AttachViews(ctx, ns.reg, fs, cs)
	require.NoError(t, err)
	ns.containers, ns.files = cs, fs
}

// reopen replaces both services with fresh ones on the same cluster.
func (ns *namespace) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, ns.files.Finalize())
	require.NoError(t, ns.containers.Finalize())
	ns.open(t)
}

// sync waits until every queued command reached the store.
func (ns *namespace) sync(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, info := range ns.reg.Flushers() {
		f, err := ns.reg.MetadataFlusher(ctx, info.ID, info.Cluster)
		require.NoError(t, err)
		require.NoError(t, f.Synchronize(ctx, -1))
	}
}

func (ns *namespace) client(t *testing.T) kv.Client {
	t.Helper()
	c, err := ns.reg.Client(context.Background(), testCluster)
	require.NoError(t, err)
	return c
}

func (ns *namespace) isMember(t *testing.T, key string, id uint64) bool {
	t.Helper()
	ok, err := ns.client(t).SIsMember(context.Background(), key, strconv.FormatUint(id, 10))
	require.NoError(t, err)
	return ok
}

func (ns *namespace) counter(t *testing.T, key, field string) int64 {
	t.Helper()
	v, ok, err := ns.client(t).HGet(context.Background(), key, field)
	require.NoError(t, err)
	if !ok {
		return 0
	}
	n, err := kv.ParseInt(v)
	require.NoError(t, err)
	return n
}

// createFile creates a file called name linked into c.
func (ns *namespace) createFile(t *testing.T, c *metadata.Container, name string) *metadata.File {
	t.Helper()
	ctx := context.Background()
	f, err := ns.files.CreateFile(ctx)
	require.NoError(t, err)
	f.Name = name
	if c != nil {
		require.NoError(t, ns.containers.AddFile(ctx, c, f))
	}
	require.NoError(t, ns.files.UpdateStore(ctx, f))
	return f
}
