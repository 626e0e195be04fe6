package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mderrors "github.com/synnove/eos/pkg/metadata/errors"
	"github.com/synnove/eos/pkg/metadata/store/changelog"
	"github.com/synnove/eos/pkg/metadata/store/remote"
	"github.com/synnove/eos/pkg/namespace"
)

type fakeNamespace struct {
	status     namespace.Status
	results    []*changelog.CompactionResult
	compactErr error
	report     *remote.CheckReport
	checkErr   error
	compacts   int
}

func (f *fakeNamespace) Status() namespace.Status { return f.status }

func (f *fakeNamespace) Compact(context.Context) ([]*changelog.CompactionResult, error) {
	f.compacts++
	return f.results, f.compactErr
}

func (f *fakeNamespace) CheckFiles(context.Context) (*remote.CheckReport, error) {
	return f.report, f.checkErr
}

type fakeArchiver struct {
	paths []string
	err   error
}

func (f *fakeArchiver) UploadAll(_ context.Context, paths ...string) error {
	f.paths = append(f.paths, paths...)
	return f.err
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))

	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// decodeData re-decodes the generic Data field into out.
func decodeData(t *testing.T, resp Response, out any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestLiveness(t *testing.T) {
	w, resp := do(t, NewRouter(Deps{}), http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "eosns", data["service"])
}

func TestStatus(t *testing.T) {
	ns := &fakeNamespace{status: namespace.Status{
		Backend:         namespace.KindChangelog,
		Files:           3,
		Containers:      2,
		FirstFreeFileID: 4,
		FilesJournal:    "/var/eos/md/files.mdlog",
	}}

	w, resp := do(t, NewRouter(Deps{Namespace: ns}), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var st namespace.Status
	decodeData(t, resp, &st)
	assert.Equal(t, ns.status, st)
}

func TestStatusWithoutNamespace(t *testing.T) {
	w, resp := do(t, NewRouter(Deps{}), http.MethodGet, "/status")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "error", resp.Status)
}

func TestCompactArchivesReplacedJournals(t *testing.T) {
	ns := &fakeNamespace{results: []*changelog.CompactionResult{
		{OldPath: "/md/directories.mdlog.1.replaced", NewPath: "/md/directories.mdlog", Records: 2},
		{OldPath: "/md/files.mdlog.1.replaced", NewPath: "/md/files.mdlog", Records: 5, Removed: 4096, Duration: 1500 * time.Millisecond},
	}}
	arch := &fakeArchiver{}

	w, resp := do(t, NewRouter(Deps{Namespace: ns, Archiver: arch}), http.MethodPost, "/compact")
	require.Equal(t, http.StatusOK, w.Code)

	var rep CompactionReport
	decodeData(t, resp, &rep)
	assert.NotEmpty(t, rep.ID)
	assert.True(t, rep.Archived)
	require.Len(t, rep.Journals, 2)
	assert.Equal(t, uint64(4096), rep.Journals[1].Removed)
	assert.Equal(t, int64(1500), rep.Journals[1].DurationMs)
	assert.Equal(t, []string{"/md/directories.mdlog.1.replaced", "/md/files.mdlog.1.replaced"}, arch.paths)
}

func TestCompactArchiveFailureIsReported(t *testing.T) {
	ns := &fakeNamespace{results: []*changelog.CompactionResult{{OldPath: "/md/files.mdlog.1.replaced"}}}
	arch := &fakeArchiver{err: errors.New("bucket unreachable")}

	w, resp := do(t, NewRouter(Deps{Namespace: ns, Archiver: arch}), http.MethodPost, "/compact")
	require.Equal(t, http.StatusOK, w.Code)

	var rep CompactionReport
	decodeData(t, resp, &rep)
	assert.False(t, rep.Archived)
	assert.Contains(t, rep.ArchiveError, "bucket unreachable")
}

func TestCompactErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"slave", mderrors.NewReadOnlyError("compact"), http.StatusConflict},
		{"remote backend", mderrors.NewInvalidArgumentError("compaction needs the changelog backend"), http.StatusBadRequest},
		{"reconciliation", fmt.Errorf("compact files: %w", mderrors.NewCorruptionError("offset mismatch", 7)), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := &fakeNamespace{compactErr: tt.err}
			arch := &fakeArchiver{}

			w, resp := do(t, NewRouter(Deps{Namespace: ns, Archiver: arch}), http.MethodPost, "/compact")
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "error", resp.Status)
			assert.Empty(t, arch.paths)
		})
	}
}

func TestCompactRequiresPost(t *testing.T) {
	ns := &fakeNamespace{}
	w, _ := do(t, NewRouter(Deps{Namespace: ns}), http.MethodGet, "/compact")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Zero(t, ns.compacts)
}

func TestCheck(t *testing.T) {
	ns := &fakeNamespace{report: &remote.CheckReport{
		Checked:  4,
		Missing:  1,
		Repaired: remote.RepairCounts{Locations: 2, NoReplicaRemoved: 1},
	}}

	w, resp := do(t, NewRouter(Deps{Namespace: ns}), http.MethodPost, "/check")
	require.Equal(t, http.StatusOK, w.Code)

	var sum CheckSummary
	decodeData(t, resp, &sum)
	assert.Equal(t, 4, sum.Checked)
	assert.Equal(t, 1, sum.Missing)
	assert.Equal(t, 2, sum.Repaired["locations"])
	assert.Equal(t, 1, sum.Repaired["no_replica_removed"])
	assert.Equal(t, 0, sum.Repaired["unlinked"])
}

func TestCheckOnChangelogBackend(t *testing.T) {
	ns := &fakeNamespace{checkErr: mderrors.NewInvalidArgumentError("file checks need the remote backend")}
	w, _ := do(t, NewRouter(Deps{Namespace: ns}), http.MethodPost, "/check")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "eosns_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	w := httptest.NewRecorder()
	NewRouter(Deps{Gatherer: reg}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "eosns_test_total 3")
}

func TestMetricsDisabled(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(Deps{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerLifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(Config{ReadTimeout: time.Second, WriteTimeout: time.Second}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.NoError(t, srv.Stop(context.Background()))
}
