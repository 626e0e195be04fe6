// Package namespace opens the file and container services of one backend
// and owns their lifecycle.
package namespace

import (
	"context"
	"errors"
	"fmt"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/metadata"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
	"github.com/synnove/eos/pkg/metadata/store/changelog"
	"github.com/synnove/eos/pkg/metadata/store/remote"
	"github.com/synnove/eos/pkg/registry"
)

// Kind selects the persistence backend.
type Kind string

const (
	KindChangelog Kind = "changelog"
	KindRemote    Kind = "remote"
)

// Options configures Open. Files and Containers are the opaque service
// maps understood by the selected backend.
type Options struct {
	Kind       Kind
	Files      map[string]string
	Containers map[string]string

	// Optional metrics sinks of each backend.
	ChangelogMetrics changelog.Metrics
	RemoteMetrics    remote.Metrics
}

// Namespace is an initialized pair of services.
type Namespace struct {
	kind  Kind
	files metadata.FileService
	conts metadata.ContainerService

	// Exactly one of the two is set, matching kind.
	journal *changelogBackend
	kv      *remoteBackend
}

type changelogBackend struct {
	files      *changelog.FileService
	containers *changelog.ContainerService
}

type remoteBackend struct {
	reg        *registry.Registry
	files      *remote.FileService
	containers *remote.ContainerService
	view       *remote.FileSystemView
	quota      *remote.QuotaStats
}

// Open configures and initializes the services of opts.Kind, containers
// first. The remote backend needs reg; the changelog backend ignores it.
func Open(ctx context.Context, opts Options, reg *registry.Registry) (*Namespace, error) {
	switch opts.Kind {
	case KindChangelog:
		return openChangelog(ctx, opts)
	case KindRemote:
		return openRemote(ctx, opts, reg)
	default:
		return nil, mderrors.NewConfigurationError(fmt.Sprintf("unknown namespace backend %q", opts.Kind))
	}
}

func openChangelog(ctx context.Context, opts Options) (*Namespace, error) {
	cs := changelog.NewContainerService()
	fs := changelog.NewFileService()
	if err := cs.Configure(opts.Containers); err != nil {
		return nil, fmt.Errorf("configure containers: %w", err)
	}
	if err := fs.Configure(opts.Files); err != nil {
		return nil, fmt.Errorf("configure files: %w", err)
	}
	fs.SetContainerService(cs)
	if opts.ChangelogMetrics != nil {
		cs.SetMetrics(opts.ChangelogMetrics)
		fs.SetMetrics(opts.ChangelogMetrics)
	}

	if err := cs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize containers: %w", err)
	}
	if err := fs.Initialize(ctx); err != nil {
		_ = cs.Finalize()
		return nil, fmt.Errorf("initialize files: %w", err)
	}

	ns := &Namespace{
		kind:    KindChangelog,
		files:   fs,
		conts:   cs,
		journal: &changelogBackend{files: fs, containers: cs},
	}
	ns.logOpened(ctx)
	return ns, nil
}

func openRemote(ctx context.Context, opts Options, reg *registry.Registry) (*Namespace, error) {
	if reg == nil {
		return nil, mderrors.NewConfigurationError("remote backend needs a registry")
	}
	cs := remote.NewContainerService(reg)
	fs := remote.NewFileService(reg)
	if err := cs.Configure(opts.Containers); err != nil {
		return nil, fmt.Errorf("configure containers: %w", err)
	}
	if err := fs.Configure(opts.Files); err != nil {
		return nil, fmt.Errorf("configure files: %w", err)
	}
	fs.SetContainerService(cs)
	if opts.RemoteMetrics != nil {
		cs.SetMetrics(opts.RemoteMetrics)
		fs.SetMetrics(opts.RemoteMetrics)
	}

	if err := cs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize containers: %w", err)
	}
	if err := fs.Initialize(ctx); err != nil {
		_ = cs.Finalize()
		return nil, fmt.Errorf("initialize files: %w", err)
	}
	view, quota, err := remote.AttachViews(ctx, reg, fs, cs)
	if err != nil {
		_ = fs.Finalize()
		_ = cs.Finalize()
		return nil, err
	}

	ns := &Namespace{
		kind:  KindRemote,
		files: fs,
		conts: cs,
		kv:    &remoteBackend{reg: reg, files: fs, containers: cs, view: view, quota: quota},
	}
	ns.logOpened(ctx)
	return ns, nil
}

func (ns *Namespace) logOpened(ctx context.Context) {
	logger.InfoCtx(ctx, "Namespace opened",
		"backend", string(ns.kind),
		"files", ns.files.NumFiles(),
		"containers", ns.conts.NumContainers())
}

// Kind returns the backend kind.
func (ns *Namespace) Kind() Kind { return ns.kind }

// Files returns the file service.
func (ns *Namespace) Files() metadata.FileService { return ns.files }

// Containers returns the container service.
func (ns *Namespace) Containers() metadata.ContainerService { return ns.conts }

// Close finalizes files, then containers. Running followers are stopped.
// Flushers and clients belong to the registry and are not closed.
func (ns *Namespace) Close() error {
	var errs []error
	if err := ns.files.Finalize(); err != nil {
		errs = append(errs, fmt.Errorf("finalize files: %w", err))
	}
	if err := ns.conts.Finalize(); err != nil {
		errs = append(errs, fmt.Errorf("finalize containers: %w", err))
	}
	return errors.Join(errs...)
}

// ============================================================================
// Changelog backend
// ============================================================================

// IsSlave reports whether the namespace mirrors another process's journals.
func (ns *Namespace) IsSlave() bool {
	return ns.journal != nil && ns.journal.containers.IsSlave()
}

// StartSlave starts tailing both journals, containers first.
func (ns *Namespace) StartSlave() error {
	if ns.journal == nil {
		return mderrors.NewInvalidArgumentError("slave mode needs the changelog backend")
	}
	if err := ns.journal.containers.StartSlave(); err != nil {
		return err
	}
	if err := ns.journal.files.StartSlave(); err != nil {
		_ = ns.journal.containers.StopSlave()
		return err
	}
	return nil
}

// StopSlave stops both followers.
func (ns *Namespace) StopSlave() error {
	if ns.journal == nil {
		return mderrors.NewInvalidArgumentError("slave mode needs the changelog backend")
	}
	return errors.Join(ns.journal.files.StopSlave(), ns.journal.containers.StopSlave())
}

// Compact compacts the container journal, then the file journal. The
// replaced journals are left next to the live ones; see CompactionResult.OldPath.
func (ns *Namespace) Compact(ctx context.Context) ([]*changelog.CompactionResult, error) {
	if ns.journal == nil {
		return nil, mderrors.NewInvalidArgumentError("compaction needs the changelog backend")
	}
	if ns.IsSlave() {
		return nil, mderrors.NewReadOnlyError("compact")
	}

	var results []*changelog.CompactionResult
	res, err := ns.journal.containers.Compact(ctx)
	if err != nil {
		return nil, fmt.Errorf("compact containers: %w", err)
	}
	results = append(results, res)

	res, err = ns.journal.files.Compact(ctx)
	if err != nil {
		return results, fmt.Errorf("compact files: %w", err)
	}
	return append(results, res), nil
}

// ============================================================================
// Remote backend
// ============================================================================

// CheckFiles verifies the file-system views of the queued files.
func (ns *Namespace) CheckFiles(ctx context.Context) (*remote.CheckReport, error) {
	if ns.kv == nil {
		return nil, mderrors.NewInvalidArgumentError("file checks need the remote backend")
	}
	return ns.kv.files.CheckFiles(ctx)
}

// QuotaEnabled reports whether quota counters are maintained.
func (ns *Namespace) QuotaEnabled() bool {
	return ns.kv != nil && ns.kv.quota != nil
}

// ============================================================================
// Status
// ============================================================================

// Status is a point-in-time summary of the namespace.
type Status struct {
	Backend              Kind                   `json:"backend"`
	Files                uint64                 `json:"files"`
	Containers           uint64                 `json:"containers"`
	FirstFreeFileID      uint64                 `json:"first_free_file_id"`
	FirstFreeContainerID uint64                 `json:"first_free_container_id"`
	Slave                bool                   `json:"slave,omitempty"`
	FilesJournal         string                 `json:"files_journal,omitempty"`
	ContainersJournal    string                 `json:"containers_journal,omitempty"`
	Quota                bool                   `json:"quota,omitempty"`
	Flushers             []registry.FlusherInfo `json:"flushers,omitempty"`
}

// Status returns the current counters of both services.
func (ns *Namespace) Status() Status {
	st := Status{
		Backend:              ns.kind,
		Files:                ns.files.NumFiles(),
		Containers:           ns.conts.NumContainers(),
		FirstFreeFileID:      ns.files.FirstFreeID(),
		FirstFreeContainerID: ns.conts.FirstFreeID(),
	}
	switch {
	case ns.journal != nil:
		st.Slave = ns.IsSlave()
		st.FilesJournal = ns.journal.files.JournalPath()
		st.ContainersJournal = ns.journal.containers.JournalPath()
	case ns.kv != nil:
		st.Quota = ns.kv.quota != nil
		st.Flushers = ns.kv.reg.Flushers()
	}
	return st
}
