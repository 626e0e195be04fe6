// Package changelog is the local-journal metadata backend.
//
// Each service keeps every live record in an IdIndex and appends one journal
// record per mutation. A master owns its journal read-write; a slave opens
// the master's journal read-only and mirrors it with a follower.
package changelog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata"
	"github.com/synnove/eos/pkg/metadata/codec"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// DefaultPollInterval is the follower sleep between two tailing rounds.
const DefaultPollInterval = 1000 * time.Microsecond

// Metrics receives journal and compaction activity. A nil Metrics is valid.
type Metrics interface {
	journal.Metrics
	ObserveCompaction(kind string, d time.Duration, err error)
}

// settings is the parsed configuration map.
type settings struct {
	path         string
	slave        bool
	pollInterval time.Duration
	syncOnAppend bool
}

func parseSettings(cfg map[string]string) (settings, error) {
	s := settings{pollInterval: DefaultPollInterval, syncOnAppend: true}

	s.path = cfg[metadata.ConfigChangelogPath]
	if s.path == "" {
		return s, mderrors.NewConfigurationError("changelog_path not specified")
	}

	s.slave = cfg[metadata.ConfigSlaveMode] == "true"

	if v, ok := cfg[metadata.ConfigPollIntervalUs]; ok {
		us, err := strconv.ParseUint(v, 10, 32)
		if err != nil || us == 0 {
			return s, mderrors.NewConfigurationError(fmt.Sprintf("invalid poll_interval_us %q", v))
		}
		s.pollInterval = time.Duration(us) * time.Microsecond
	}

	if v, ok := cfg[metadata.ConfigSyncOnAppend]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, mderrors.NewConfigurationError(fmt.Sprintf("invalid changelog_sync %q", v))
		}
		s.syncOnAppend = b
	}
	return s, nil
}

// recordCodec adapts the record codec to one object kind.
type recordCodec[T any] struct {
	encode func(T) []byte
	decode func([]byte) (T, error)
}

var fileCodec = recordCodec[*metadata.File]{
	encode: codec.EncodeFile,
	decode: codec.DecodeFile,
}

var containerCodec = recordCodec[*metadata.Container]{
	encode: codec.EncodeContainer,
	decode: codec.DecodeContainer,
}

// store is the journal + index pair shared by the file and container services.
type store[T any] struct {
	kind  string
	magic uint32
	codec recordCodec[T]

	cfg     settings
	metrics Metrics

	// mu serializes appends with their index update, so an index snapshot
	// taken under mu always matches the journal content.
	mu     sync.Mutex
	log    *journal.Journal
	index  *IdIndex[T]
	nextID uint64

	compacting atomic.Bool
}

func newStore[T any](kind string, magic uint32, c recordCodec[T]) *store[T] {
	return &store[T]{
		kind:   kind,
		magic:  magic,
		codec:  c,
		index:  NewIdIndex[T](),
		nextID: 1,
	}
}

func (s *store[T]) open() error {
	mode := journal.ModeMaster
	if s.cfg.slave {
		mode = journal.ModeFollower
	}

	opts := []journal.Option{journal.WithSync(s.cfg.syncOnAppend)}
	if s.metrics != nil {
		opts = append(opts, journal.WithMetrics(s.metrics))
	}

	log, err := journal.Open(s.cfg.path, mode, s.magic, opts...)
	if err != nil {
		return mderrors.NewIOError(fmt.Sprintf("open %s journal", s.kind), err)
	}

	s.mu.Lock()
	s.log = log
	s.mu.Unlock()
	return nil
}

type loadedRecord struct {
	offset  uint64
	payload []byte
}

// load replays the whole journal into the index and returns the offset
// following the last record read. Compaction marks are skipped.
func (s *store[T]) load(ctx context.Context) (uint64, error) {
	start := time.Now()
	live := make(map[uint64]loadedRecord)
	var maxID uint64

	next, err := s.log.Scan(s.log.FirstOffset(), func(r journal.Record) error {
		switch r.Type {
		case journal.Update, journal.Delete:
		default:
			return nil
		}

		id, err := codec.RecordID(r.Payload)
		if err != nil {
			return mderrors.NewCorruptionError(fmt.Sprintf("record at offset %d: %v", r.Offset, err), 0)
		}
		maxID = max(maxID, id)

		if r.Type == journal.Update {
			live[id] = loadedRecord{offset: r.Offset, payload: r.Payload}
		} else {
			delete(live, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s journal: %w", s.kind, err)
	}

	for id, rec := range live {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		obj, err := s.codec.decode(rec.payload)
		if err != nil {
			return 0, mderrors.NewCorruptionError(fmt.Sprintf("decode record at offset %d: %v", rec.offset, err), id)
		}
		s.index.Put(id, rec.offset, obj)
	}

	s.mu.Lock()
	s.nextID = max(s.nextID, maxID+1)
	s.mu.Unlock()

	logger.Info("Journal loaded",
		logger.KeyService, s.kind,
		logger.KeyPath, s.cfg.path,
		logger.KeyCount, len(live),
		logger.KeyOffset, next,
		logger.KeyDurationMs, logger.Duration(start))
	return next, nil
}

// allocate hands out the next id.
func (s *store[T]) allocate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// observeID keeps the allocator ahead of a replicated id.
func (s *store[T]) observeID(id uint64) {
	s.mu.Lock()
	s.nextID = max(s.nextID, id+1)
	s.mu.Unlock()
}

func (s *store[T]) firstFreeID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// appendUpdate writes obj and points the index at the new record. Unless
// create is set the id must already be indexed.
func (s *store[T]) appendUpdate(id uint64, obj T, create bool) error {
	payload := s.codec.encode(obj)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return mderrors.NewIOError(fmt.Sprintf("%s journal not open", s.kind), journal.ErrClosed)
	}
	if !create {
		if _, _, ok := s.index.Get(id); !ok {
			return mderrors.NewNotFoundError(s.kind, id)
		}
	}
	off, err := s.log.Append(journal.Update, payload)
	if err != nil {
		return mderrors.NewIOError(fmt.Sprintf("append %s update", s.kind), err)
	}
	s.index.Put(id, off, obj)
	return nil
}

// appendDelete writes a delete record and drops id from the index.
func (s *store[T]) appendDelete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return mderrors.NewIOError(fmt.Sprintf("%s journal not open", s.kind), journal.ErrClosed)
	}
	if _, _, ok := s.index.Get(id); !ok {
		return mderrors.NewNotFoundError(s.kind, id)
	}
	if _, err := s.log.Append(journal.Delete, codec.EncodeDelete(id)); err != nil {
		return mderrors.NewIOError(fmt.Sprintf("append %s delete", s.kind), err)
	}
	s.index.Delete(id)
	return nil
}

func (s *store[T]) get(id uint64) (T, error) {
	obj, _, ok := s.index.Get(id)
	if !ok {
		return obj, mderrors.NewNotFoundError(s.kind, id)
	}
	return obj, nil
}

func (s *store[T]) activeLog() *journal.Journal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

func (s *store[T]) close() error {
	s.mu.Lock()
	log := s.log
	s.log = nil
	s.mu.Unlock()

	s.index.Reset()
	if log == nil {
		return nil
	}
	return log.Close()
}
