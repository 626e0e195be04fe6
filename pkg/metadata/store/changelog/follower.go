package changelog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata/codec"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

var (
	errNotSlave          = mderrors.NewInvalidArgumentError("not in slave mode")
	errFollowerStarted   = mderrors.NewInvalidArgumentError("follower already started")
	errFollowerNotActive = mderrors.NewInvalidArgumentError("follower not started")
	errNotInitialized    = mderrors.NewConfigurationError("service not initialized")
)

// applier installs replicated records into a service. Both methods run with
// the slave lock held exclusively.
type applier[T any] interface {
	// applyDelete drops id. Unknown ids are ignored.
	applyDelete(id uint64)

	// applyUpdate installs obj. It returns false when obj cannot be placed
	// yet because its parent has not been replicated; the record is then
	// retried on the next round.
	applyUpdate(id, offset uint64, obj T) bool
}

type pendingUpdate[T any] struct {
	offset uint64
	obj    T
}

// follower tails a journal written by another process and mirrors it into
// the store's index.
type follower[T any] struct {
	st    *store[T]
	apply applier[T]
	lock  *sync.RWMutex
	poll  time.Duration

	// Owned by the loop goroutine.
	offset  uint64
	updates map[uint64]pendingUpdate[T]
	deletes map[uint64]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newFollower[T any](st *store[T], apply applier[T], lock *sync.RWMutex, offset uint64) *follower[T] {
	return &follower[T]{
		st:      st,
		apply:   apply,
		lock:    lock,
		poll:    st.cfg.pollInterval,
		offset:  offset,
		updates: make(map[uint64]pendingUpdate[T]),
		deletes: make(map[uint64]struct{}),
	}
}

// prime applies the compacted snapshot at the head of the journal, up to
// its compaction mark. It runs before the loop is started.
func (f *follower[T]) prime() error {
	log := f.st.activeLog()
	next, err := log.Scan(log.FirstOffset(), func(r journal.Record) error {
		if r.Type == journal.CompactionMark {
			return journal.ErrStop
		}
		return f.buffer(r)
	})
	if err != nil {
		return fmt.Errorf("load %s snapshot: %w", f.st.kind, err)
	}
	f.offset = next
	f.commit()

	logger.Info("Snapshot loaded",
		logger.KeyService, f.st.kind,
		logger.KeyCount, f.st.index.Len(),
		logger.KeyPending, len(f.updates),
		logger.KeyOffset, next)
	return nil
}

func (f *follower[T]) running() bool {
	return f != nil && f.done != nil
}

// startSlave and stopSlave back the StartSlave and StopSlave service calls.
// They accept a nil follower, which a slave has before Initialize.
func (f *follower[T]) startSlave(slave bool) error {
	switch {
	case !slave:
		return errNotSlave
	case f == nil:
		return errNotInitialized
	case f.running():
		return errFollowerStarted
	}
	f.start()
	return nil
}

func (f *follower[T]) stopSlave(slave bool) error {
	switch {
	case !slave:
		return errNotSlave
	case !f.running():
		return errFollowerNotActive
	}
	f.stop()
	return nil
}

func (f *follower[T]) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

// stop signals the loop and waits for it to exit.
func (f *follower[T]) stop() {
	f.cancel()
	<-f.done
	f.done = nil
}

func (f *follower[T]) run(ctx context.Context) {
	defer close(f.done)

	logger.Info("Follower started",
		logger.KeyService, f.st.kind,
		logger.KeyPath, f.st.cfg.path,
		logger.KeyOffset, f.offset)

	timer := time.NewTimer(f.poll)
	defer timer.Stop()

	for {
		if err := f.round(); err != nil {
			logger.Error("Follower round failed",
				logger.KeyService, f.st.kind,
				logger.KeyOffset, f.offset,
				logger.Err(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("Follower stopped", logger.KeyService, f.st.kind, logger.KeyOffset, f.offset)
			return
		case <-timer.C:
			timer.Reset(f.poll)
		}
	}
}

// round reads every complete record past the current offset, applies what
// it can and switches journals when compaction replaced the file.
func (f *follower[T]) round() error {
	log := f.st.activeLog()
	if log == nil {
		return journal.ErrClosed
	}

	next, err := log.Scan(f.offset, f.buffer)
	f.offset = next
	f.commit()
	if err != nil {
		return err
	}

	return f.checkReplaced(log)
}

// buffer is the scan visitor. An update supersedes a pending delete of the
// same id and a delete discards its pending update.
func (f *follower[T]) buffer(r journal.Record) error {
	switch r.Type {
	case journal.Update:
		obj, err := f.st.codec.decode(r.Payload)
		if err != nil {
			return mderrors.NewCorruptionError(fmt.Sprintf("decode record at offset %d: %v", r.Offset, err), 0)
		}
		id, _ := codec.RecordID(r.Payload)
		f.st.observeID(id)
		delete(f.deletes, id)
		f.updates[id] = pendingUpdate[T]{offset: r.Offset, obj: obj}

	case journal.Delete:
		id, err := codec.RecordID(r.Payload)
		if err != nil {
			return mderrors.NewCorruptionError(fmt.Sprintf("record at offset %d: %v", r.Offset, err), 0)
		}
		f.st.observeID(id)
		delete(f.updates, id)
		f.deletes[id] = struct{}{}
	}
	return nil
}

// commit applies the buffered records under the exclusive slave lock.
// Deletes go first. Updates are applied in journal order and retried until
// no more of them can be placed, so a child seen before its parent in the
// same round still lands.
func (f *follower[T]) commit() {
	if len(f.updates) == 0 && len(f.deletes) == 0 {
		return
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	for id := range f.deletes {
		f.apply.applyDelete(id)
	}
	clear(f.deletes)

	pending := make([]uint64, 0, len(f.updates))
	for id := range f.updates {
		pending = append(pending, id)
	}
	slices.SortFunc(pending, func(a, b uint64) int {
		return cmp.Compare(f.updates[a].offset, f.updates[b].offset)
	})

	for progress := true; progress && len(pending) > 0; {
		progress = false
		rest := pending[:0]
		for _, id := range pending {
			u := f.updates[id]
			if f.apply.applyUpdate(id, u.offset, u.obj) {
				delete(f.updates, id)
				progress = true
			} else {
				rest = append(rest, id)
			}
		}
		pending = rest
	}

	if n := len(f.updates); n > 0 {
		logger.Debug("Follower keeping records without parent",
			logger.KeyService, f.st.kind,
			logger.KeyPending, n)
	}
}

// checkReplaced swaps in the journal now found at the configured path once
// the current one has been fully read. The new file starts with the
// compacted snapshot, which the follower has already seen, so reading
// resumes right after its compaction mark.
func (f *follower[T]) checkReplaced(log *journal.Journal) error {
	path := f.st.cfg.path
	same, err := log.SameFile(path)
	if err != nil || same {
		// A missing path means the swap is half done; try again later.
		return nil
	}

	// Appends to the old file stopped before it was renamed, so one more
	// scan picks up whatever arrived after the last round.
	end, err := log.Scan(f.offset, f.buffer)
	f.offset = end
	f.commit()
	if err != nil {
		return err
	}

	next, err := journal.Open(path, journal.ModeFollower, f.st.magic)
	if err != nil {
		return fmt.Errorf("open replacement journal: %w", err)
	}

	resume, found := uint64(0), false
	_, err = next.Scan(next.FirstOffset(), func(r journal.Record) error {
		if r.Type == journal.CompactionMark {
			resume, found = r.Offset+r.Size(), true
			return journal.ErrStop
		}
		return nil
	})
	if err == nil && !found {
		err = errors.New("replacement journal has no compaction mark yet")
	}
	if err != nil {
		_ = next.Close()
		return err
	}

	f.st.mu.Lock()
	f.st.log = next
	f.st.mu.Unlock()
	_ = log.Close()

	logger.Info("Follower switched to compacted journal",
		logger.KeyService, f.st.kind,
		logger.KeyPath, path,
		logger.KeyOffset, resume)
	f.offset = resume
	return nil
}
