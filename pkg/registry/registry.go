// Package registry owns the KV clients and metadata flushers shared by the
// namespace services.
//
// A process normally builds one Registry at startup, hands it to every
// service that talks to the remote store, and closes it on shutdown.
// Services never close what they obtain from it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/flusher"
	"github.com/synnove/eos/pkg/kv"
	"github.com/synnove/eos/pkg/kv/dialer"
)

// DefaultQueuePath is the prefix of every flusher spill directory.
const DefaultQueuePath = "/var/eos/ns-queue/"

// ErrClosed is returned by every lookup after Close.
var ErrClosed = errors.New("registry closed")

// PersistencyKind selects the spill format of the flushers.
type PersistencyKind string

const (
	PersistencyMmap   PersistencyKind = "mmap"
	PersistencyBadger PersistencyKind = "badger"
	PersistencyMemory PersistencyKind = "memory"
)

// DialFunc connects to a cluster.
type DialFunc func(ctx context.Context, cluster string) (kv.Client, error)

// Options configures a Registry.
type Options struct {
	// Dial connects to a cluster.
	// Default: dialer.Dial
	Dial DialFunc

	// QueuePath is prepended to the flusher id to get its spill directory.
	// Default: DefaultQueuePath
	QueuePath string

	// Persistency is the spill format.
	// Default: PersistencyMmap
	Persistency PersistencyKind

	// FlusherOptions are applied to every flusher. ID is set per flusher.
	FlusherOptions flusher.Options

	// Metrics receives the queue reports of every flusher.
	Metrics flusher.QueueMetrics
}

func (o *Options) applyDefaults() {
	if o.Dial == nil {
		o.Dial = dialer.Dial
	}
	if o.QueuePath == "" {
		o.QueuePath = DefaultQueuePath
	}
	if o.Persistency == "" {
		o.Persistency = PersistencyMmap
	}
	if o.FlusherOptions.Metrics == nil && o.Metrics != nil {
		o.FlusherOptions.Metrics = o.Metrics
	}
}

type flusherKey struct {
	id      string
	cluster string
}

// Registry hands out one kv.Client per cluster and one MetadataFlusher per
// (id, cluster) pair.
type Registry struct {
	opts Options

	// ctx outlives the requests that create flushers; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	clients  map[string]kv.Client
	flushers map[flusherKey]*flusher.MetadataFlusher
	// owners maps a flusher id to its cluster, since the id alone names
	// the spill directory.
	owners map[string]string
	closed bool
}

// New returns an empty registry.
func New(opts Options) (*Registry, error) {
	opts.applyDefaults()
	switch opts.Persistency {
	case PersistencyMmap, PersistencyBadger, PersistencyMemory:
	default:
		return nil, fmt.Errorf("unknown flusher persistency %q", opts.Persistency)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]kv.Client),
		flushers: make(map[flusherKey]*flusher.MetadataFlusher),
		owners:   make(map[string]string),
	}, nil
}

// Client returns the client of cluster, dialing it on first use.
func (r *Registry) Client(ctx context.Context, cluster string) (kv.Client, error) {
	if cluster == "" {
		return nil, errors.New("empty cluster")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientLocked(ctx, cluster)
}

func (r *Registry) clientLocked(ctx context.Context, cluster string) (kv.Client, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.clients[cluster]; ok {
		return c, nil
	}

	c, err := r.opts.Dial(ctx, cluster)
	if err != nil {
		return nil, err
	}
	r.clients[cluster] = c
	logger.Info("Connected to cluster", logger.KeyCluster, cluster)
	return c, nil
}

// MetadataFlusher returns the running flusher id for cluster, creating it
// on first use. Reusing an id for another cluster is an error.
func (r *Registry) MetadataFlusher(ctx context.Context, id, cluster string) (*flusher.MetadataFlusher, error) {
	if id == "" {
		return nil, errors.New("empty flusher id")
	}
	if cluster == "" {
		return nil, errors.New("empty cluster")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := flusherKey{id: id, cluster: cluster}
	if f, ok := r.flushers[key]; ok {
		return f, nil
	}
	if r.closed {
		return nil, ErrClosed
	}
	if owner, ok := r.owners[id]; ok {
		return nil, fmt.Errorf("flusher %q already bound to cluster %q", id, owner)
	}

	client, err := r.clientLocked(ctx, cluster)
	if err != nil {
		return nil, err
	}

	persist, err := r.openPersistency(id)
	if err != nil {
		return nil, fmt.Errorf("open spill of flusher %q: %w", id, err)
	}

	opts := r.opts.FlusherOptions
	opts.ID = id
	bf, err := flusher.New(client, persist, flusher.LogNotifier{ID: id}, opts)
	if err != nil {
		_ = persist.Close()
		return nil, fmt.Errorf("create flusher %q: %w", id, err)
	}

	mf := flusher.NewMetadataFlusher(bf, r.opts.Metrics)
	if err := mf.Start(r.ctx); err != nil {
		_ = mf.Close()
		return nil, err
	}

	r.flushers[key] = mf
	r.owners[id] = cluster
	logger.Info("Metadata flusher registered",
		logger.KeyFlusher, id, logger.KeyCluster, cluster,
		logger.KeyPath, r.SpillPath(id), logger.KeyPending, mf.Size())
	return mf, nil
}

// SpillPath returns where flusher id keeps its pending commands.
func (r *Registry) SpillPath(id string) string {
	return r.opts.QueuePath + id
}

func (r *Registry) openPersistency(id string) (flusher.Persistency, error) {
	switch r.opts.Persistency {
	case PersistencyMemory:
		return flusher.NewMemoryPersistency(), nil
	case PersistencyBadger:
		return flusher.OpenBadgerPersistency(r.SpillPath(id))
	default:
		return flusher.OpenMmapPersistency(r.SpillPath(id))
	}
}

// FlusherInfo describes one registered flusher.
type FlusherInfo struct {
	ID            string `json:"id"`
	Cluster       string `json:"cluster"`
	Pending       int64  `json:"pending"`
	StartingIndex int64  `json:"starting_index"`
	EndingIndex   int64  `json:"ending_index"`
}

// Flushers lists the registered flushers sorted by id.
func (r *Registry) Flushers() []FlusherInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]FlusherInfo, 0, len(r.flushers))
	for key, f := range r.flushers {
		out = append(out, FlusherInfo{
			ID:            key.id,
			Cluster:       key.cluster,
			Pending:       f.Size(),
			StartingIndex: f.StartingIndex(),
			EndingIndex:   f.EndingIndex(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close waits for every flusher to drain, bounded by ctx, then stops the
// flushers and closes the clients. Commands still pending when ctx ends
// stay in the spill and are resent by the next process.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	flushers := r.flushers
	clients := r.clients
	r.flushers = make(map[flusherKey]*flusher.MetadataFlusher)
	r.clients = make(map[string]kv.Client)
	r.mu.Unlock()

	var errs []error
	for key, f := range flushers {
		if err := f.Synchronize(ctx, -1); err != nil {
			logger.Warn("Flusher not drained before shutdown",
				logger.KeyFlusher, key.id, logger.KeyPending, f.Size(), logger.KeyError, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close flusher %q: %w", key.id, err))
		}
	}
	r.cancel()

	for cluster, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cluster %s: %w", cluster, err))
		}
	}
	return errors.Join(errs...)
}
