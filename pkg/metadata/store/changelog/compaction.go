package changelog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata/codec"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// CompactionState is the phase a compaction is in.
type CompactionState int

const (
	CompactionIdle CompactionState = iota
	CompactionPrepared
	CompactionCopying
	CompactionCommitting
	CompactionDone
	CompactionAborted
)

// String returns the state name.
func (s CompactionState) String() string {
	switch s {
	case CompactionIdle:
		return "idle"
	case CompactionPrepared:
		return "prepared"
	case CompactionCopying:
		return "copying"
	case CompactionCommitting:
		return "committing"
	case CompactionDone:
		return "done"
	case CompactionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	// ErrCompactionInProgress is returned by Prepare while another
	// compaction of the same journal has not finished.
	ErrCompactionInProgress = errors.New("compaction already in progress")

	// ErrCompactionState is returned when a phase is run out of order.
	ErrCompactionState = errors.New("compaction phase out of order")
)

// Compaction rewrites a journal so it holds only live records.
//
// Prepare snapshots the index under the store lock. Copy moves the
// snapshotted records without any lock. Commit replays what was appended
// meanwhile, verifies every live id is accounted for and swaps the journal.
type Compaction struct {
	mu    sync.Mutex
	state CompactionState

	target  compactionTarget
	kind    string
	started time.Time

	oldLog   *journal.Journal
	newLog   *journal.Journal
	newPath  string
	boundary uint64

	// installPath, when set, is where Commit moves the new journal before
	// swapping it in. The old file is kept as <installPath>.<unix>.replaced.
	installPath string

	snapshot []OffsetID
	copied   []uint64 // new offset of snapshot[i]
}

// CompactionResult describes a committed compaction.
type CompactionResult struct {
	OldPath  string
	NewPath  string
	Records  int
	Removed  uint64 // bytes reclaimed
	Duration time.Duration
}

// compactionTarget is implemented by store[T] for every object kind.
type compactionTarget interface {
	beginCompaction() (log *journal.Journal, boundary uint64, snapshot []OffsetID, err error)
	endCompaction()
	lockForCommit() (live func(id uint64) (uint64, bool), count func() int, unlock func())
	commitLocked(newLog *journal.Journal, offsets map[uint64]uint64)
	kindName() string
	metricsSink() Metrics
}

func prepareCompaction(ctx context.Context, t compactionTarget, newPath string) (*Compaction, error) {
	_, span := telemetry.StartJournalSpan(ctx, "compaction.prepare", newPath)
	defer span.End()

	oldLog, boundary, snapshot, err := t.beginCompaction()
	if err != nil {
		return nil, err
	}

	newLog, err := journal.Open(newPath, journal.ModeMaster, oldLog.Magic())
	if err != nil {
		t.endCompaction()
		return nil, mderrors.NewIOError("open compaction target", err)
	}
	if newLog.NextOffset() != newLog.FirstOffset() {
		_ = newLog.Close()
		t.endCompaction()
		return nil, mderrors.NewInvalidArgumentError(fmt.Sprintf("compaction target %s is not empty", newPath))
	}

	c := &Compaction{
		state:    CompactionPrepared,
		target:   t,
		kind:     t.kindName(),
		started:  time.Now(),
		oldLog:   oldLog,
		newLog:   newLog,
		newPath:  newPath,
		boundary: boundary,
		snapshot: snapshot,
	}

	logger.InfoCtx(ctx, "Compaction prepared",
		logger.KeyService, c.kind,
		logger.KeyPath, newPath,
		logger.KeyBoundary, c.boundary,
		logger.KeyCount, len(snapshot))
	return c, nil
}

// State returns the current phase.
func (c *Compaction) State() CompactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Boundary returns the old journal offset at which copying started.
func (c *Compaction) Boundary() uint64 {
	return c.boundary
}

func (c *Compaction) transition(from, to CompactionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s, expected %s", ErrCompactionState, c.state, from)
	}
	c.state = to
	return nil
}

// Copy appends every snapshotted record to the new journal. It takes no
// lock, so writers keep appending to the old journal meanwhile.
func (c *Compaction) Copy(ctx context.Context) error {
	if err := c.transition(CompactionPrepared, CompactionCopying); err != nil {
		return err
	}
	ctx, span := telemetry.StartJournalSpan(ctx, "compaction.copy", c.newPath,
		telemetry.Records(len(c.snapshot)))
	defer span.End()

	c.copied = make([]uint64, len(c.snapshot))
	for i, entry := range c.snapshot {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, err)
		}

		rec, err := c.oldLog.ReadAt(entry.Offset)
		if err != nil {
			return c.fail(ctx, mderrors.NewIOError(fmt.Sprintf("read record at %d", entry.Offset), err))
		}
		if rec.Type != journal.Update {
			return c.fail(ctx, mderrors.NewCorruptionError(
				fmt.Sprintf("index points at %s record at offset %d", rec.Type, entry.Offset), entry.ID))
		}
		if id, err := codec.RecordID(rec.Payload); err != nil || id != entry.ID {
			return c.fail(ctx, mderrors.NewCorruptionError(
				fmt.Sprintf("record at offset %d does not belong to the indexed id", entry.Offset), entry.ID))
		}

		off, err := c.newLog.Append(journal.Update, rec.Payload)
		if err != nil {
			return c.fail(ctx, mderrors.NewIOError("append to compaction target", err))
		}
		c.copied[i] = off
	}

	logger.DebugCtx(ctx, "Compaction copied snapshot",
		logger.KeyService, c.kind,
		logger.KeyCount, len(c.snapshot))
	return nil
}

type movedRecord struct {
	oldOffset uint64
	newOffset uint64
}

// Commit replays the records appended after the boundary, reconciles every
// live id and swaps the journal in. Any inconsistency aborts the compaction
// and leaves the old journal authoritative.
func (c *Compaction) Commit(ctx context.Context) (*CompactionResult, error) {
	if err := c.transition(CompactionCopying, CompactionCommitting); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartJournalSpan(ctx, "compaction.commit", c.newPath,
		telemetry.Offset(c.boundary))
	defer span.End()

	live, count, unlock := c.target.lockForCommit()
	defer unlock()

	updates := make(map[uint64]movedRecord)
	end, err := c.oldLog.Scan(c.boundary, func(r journal.Record) error {
		if r.Type == journal.CompactionMark {
			return nil
		}
		id, err := codec.RecordID(r.Payload)
		if err != nil {
			return mderrors.NewCorruptionError(fmt.Sprintf("record at offset %d: %v", r.Offset, err), 0)
		}
		off, err := c.newLog.Append(r.Type, r.Payload)
		if err != nil {
			return mderrors.NewIOError("append to compaction target", err)
		}
		if r.Type == journal.Update {
			updates[id] = movedRecord{oldOffset: r.Offset, newOffset: off}
		} else {
			delete(updates, id)
		}
		return nil
	})
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	offsets, err := c.reconcile(live, count(), updates)
	if err != nil {
		logger.ErrorCtx(ctx, "Compaction reconciliation failed, keeping old journal",
			logger.KeyService, c.kind,
			logger.KeyPath, c.oldLog.Path(),
			logger.Err(err))
		return nil, c.fail(ctx, err)
	}

	if _, err := c.newLog.Append(journal.CompactionMark, nil); err != nil {
		return nil, c.fail(ctx, mderrors.NewIOError("append compaction mark", err))
	}
	if err := c.newLog.SetFlags(c.newLog.Flags() | journal.FlagCompacted); err != nil {
		return nil, c.fail(ctx, mderrors.NewIOError("flag compacted journal", err))
	}
	if err := c.newLog.Sync(); err != nil {
		return nil, c.fail(ctx, mderrors.NewIOError("sync compacted journal", err))
	}
	if c.installPath != "" {
		if err := c.install(ctx); err != nil {
			return nil, c.fail(ctx, err)
		}
	}

	c.target.commitLocked(c.newLog, offsets)

	result := &CompactionResult{
		OldPath:  c.oldLog.Path(),
		NewPath:  c.newLog.Path(),
		Records:  len(offsets),
		Duration: time.Since(c.started),
	}
	if newEnd := c.newLog.NextOffset(); end > newEnd {
		result.Removed = end - newEnd
	}
	if err := c.oldLog.Close(); err != nil {
		logger.WarnCtx(ctx, "Closing replaced journal failed", logger.KeyPath, result.OldPath, logger.Err(err))
	}

	c.finish(CompactionDone, nil)
	logger.InfoCtx(ctx, "Compaction committed",
		logger.KeyService, c.kind,
		logger.KeyPath, result.NewPath,
		logger.KeyCount, result.Records,
		logger.KeySize, result.Removed,
		logger.KeyDurationMs, float64(result.Duration.Microseconds())/1000.0)
	return result, nil
}

// renameJournal moves an open journal file. Tests replace it to inject
// failures.
var renameJournal = (*journal.Journal).Rename

// install moves the old journal aside and the new one to installPath. On
// failure the old file is put back, so the old journal stays authoritative
// under its own name. Runs with the store lock held.
func (c *Compaction) install(ctx context.Context) error {
	livePath := c.oldLog.Path()
	replaced := fmt.Sprintf("%s.%d.replaced", c.installPath, time.Now().Unix())
	if err := renameJournal(c.oldLog, replaced); err != nil {
		return mderrors.NewIOError("move replaced journal aside", err)
	}
	if err := renameJournal(c.newLog, c.installPath); err != nil {
		if rerr := renameJournal(c.oldLog, livePath); rerr != nil {
			logger.ErrorCtx(ctx, "Restoring replaced journal failed",
				logger.KeyService, c.kind,
				logger.KeyPath, livePath,
				"replaced", replaced,
				logger.Err(rerr))
		}
		return mderrors.NewIOError("install compacted journal", err)
	}

	logger.InfoCtx(ctx, "Compacted journal installed",
		logger.KeyService, c.kind,
		logger.KeyPath, c.installPath,
		"replaced", replaced)
	return nil
}

// reconcile computes the new offset of every live id. A snapshotted record
// still current in the index keeps its copied offset; an id updated after
// the boundary takes the offset of its replayed record. The number of ids
// accounted for must equal the index size.
func (c *Compaction) reconcile(live func(uint64) (uint64, bool), liveCount int, updates map[uint64]movedRecord) (map[uint64]uint64, error) {
	offsets := make(map[uint64]uint64, liveCount)

	for i, entry := range c.snapshot {
		cur, ok := live(entry.ID)
		if !ok {
			continue
		}
		switch {
		case cur == entry.Offset:
			offsets[entry.ID] = c.copied[i]
		case cur < entry.Offset:
			return nil, mderrors.NewCorruptionError(
				fmt.Sprintf("index offset %d went backwards from snapshot offset %d", cur, entry.Offset), entry.ID)
		}
	}

	for id, moved := range updates {
		cur, ok := live(id)
		if !ok || cur != moved.oldOffset {
			return nil, mderrors.NewCorruptionError(
				fmt.Sprintf("record updated at offset %d does not match the index", moved.oldOffset), id)
		}
		offsets[id] = moved.newOffset
	}

	if len(offsets) != liveCount {
		return nil, mderrors.NewCorruptionError(
			fmt.Sprintf("reconciled %d records but the index holds %d", len(offsets), liveCount), 0)
	}
	return offsets, nil
}

// Abort discards the new journal. It is a no-op once the compaction is done
// or already aborted.
func (c *Compaction) Abort() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == CompactionDone || state == CompactionAborted {
		return nil
	}
	_ = c.fail(context.Background(), context.Canceled)
	return nil
}

func (c *Compaction) fail(ctx context.Context, cause error) error {
	if err := c.newLog.Close(); err != nil {
		logger.WarnCtx(ctx, "Closing compaction target failed", logger.KeyPath, c.newPath, logger.Err(err))
	}
	if err := os.Remove(c.newPath); err != nil && !os.IsNotExist(err) {
		logger.WarnCtx(ctx, "Removing compaction target failed", logger.KeyPath, c.newPath, logger.Err(err))
	}
	telemetry.RecordError(ctx, cause)
	c.finish(CompactionAborted, cause)
	return cause
}

func (c *Compaction) finish(state CompactionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.target.endCompaction()
	if m := c.target.metricsSink(); m != nil {
		m.ObserveCompaction(c.kind, time.Since(c.started), err)
	}
}

// compactJournal runs a full compaction of the journal at path. The
// compacted file takes over path and the old one is kept next to it as
// <path>.<unix time>.replaced, which is returned in OldPath.
func compactJournal(ctx context.Context, t compactionTarget, path string) (*CompactionResult, error) {
	ctx, span := telemetry.StartJournalSpan(ctx, "compaction", path)
	defer span.End()

	c, err := prepareCompaction(ctx, t, fmt.Sprintf("%s.compact-%s", path, uuid.NewString()))
	if err != nil {
		return nil, err
	}
	c.installPath = path
	if err := c.Copy(ctx); err != nil {
		return nil, err
	}
	return c.Commit(ctx)
}

// ============================================================================
// store[T] side
// ============================================================================

// beginCompaction snapshots the index together with the journal end it
// matches.
func (s *store[T]) beginCompaction() (*journal.Journal, uint64, []OffsetID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.slave {
		return nil, 0, nil, mderrors.NewReadOnlyError("compaction")
	}
	if s.log == nil {
		return nil, 0, nil, mderrors.NewIOError(fmt.Sprintf("%s journal not open", s.kind), journal.ErrClosed)
	}
	if !s.compacting.CompareAndSwap(false, true) {
		return nil, 0, nil, ErrCompactionInProgress
	}
	return s.log, s.log.NextOffset(), s.index.Snapshot(), nil
}

// endCompaction may run with s.mu held.
func (s *store[T]) endCompaction() {
	s.compacting.Store(false)
}

func (s *store[T]) lockForCommit() (func(uint64) (uint64, bool), func() int, func()) {
	s.mu.Lock()
	live := func(id uint64) (uint64, bool) {
		_, off, ok := s.index.Get(id)
		return off, ok
	}
	return live, s.index.Len, s.mu.Unlock
}

func (s *store[T]) commitLocked(newLog *journal.Journal, offsets map[uint64]uint64) {
	for id, off := range offsets {
		s.index.SetOffset(id, off)
	}
	s.log = newLog
}

func (s *store[T]) kindName() string {
	return s.kind
}

func (s *store[T]) metricsSink() Metrics {
	return s.metrics
}
