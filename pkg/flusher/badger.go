package flusher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/synnove/eos/pkg/kv"
	kvbadger "github.com/synnove/eos/pkg/kv/badger"
)

var (
	badgerEntryPrefix = []byte("q/")
	badgerStartKey    = []byte("m/start")
)

// BadgerPersistency keeps one key per queued index plus the starting index.
type BadgerPersistency struct {
	mu         sync.Mutex
	db         *badgerdb.DB
	start, end int64
	closed     bool
}

// OpenBadgerPersistency opens the spill database in dir. An empty dir
// opens an in-memory database.
func OpenBadgerPersistency(dir string) (*BadgerPersistency, error) {
	opts := badgerdb.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts.WithLogger(kvbadger.Logger()))
	if err != nil {
		return nil, fmt.Errorf("open badger spill: %w", err)
	}

	p := &BadgerPersistency{db: db}
	if err := p.load(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func entryKey(index int64) []byte {
	k := make([]byte, len(badgerEntryPrefix)+8)
	copy(k, badgerEntryPrefix)
	binary.BigEndian.PutUint64(k[len(badgerEntryPrefix):], uint64(index))
	return k
}

// load restores the starting index and finds the ending index from the
// last entry key.
func (p *BadgerPersistency) load() error {
	return p.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(badgerStartKey)
		switch {
		case errors.Is(err, badgerdb.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("%w: bad starting index", ErrCorrupted)
				}
				p.start = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		}
		p.end = p.start

		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = badgerEntryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), badgerEntryPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(badgerEntryPrefix) {
			if last := int64(binary.BigEndian.Uint64(it.Item().Key()[len(badgerEntryPrefix):])); last >= p.start {
				p.end = last + 1
			}
		}
		return nil
	})
}

func (p *BadgerPersistency) StartingIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start
}

func (p *BadgerPersistency) EndingIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end
}

func (p *BadgerPersistency) Record(index int64, cmd kv.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersistencyClosed
	}
	if index != p.end {
		return fmt.Errorf("%w: record %d, ending index is %d", ErrOutOfRange, index, p.end)
	}
	if err := p.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(entryKey(index), encodeCommand(cmd))
	}); err != nil {
		return fmt.Errorf("record %d: %w", index, err)
	}
	p.end++
	return nil
}

func (p *BadgerPersistency) Retrieve(index int64) (kv.Command, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPersistencyClosed
	}
	if index < p.start || index >= p.end {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	p.mu.Unlock()

	var cmd kv.Command
	err := p.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(index))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: entry %d missing", ErrCorrupted, index)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			var derr error
			cmd, derr = decodeCommand(v)
			return derr
		})
	})
	return cmd, err
}

func (p *BadgerPersistency) Pop(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersistencyClosed
	}
	if n <= 0 || int64(n) > p.end-p.start {
		return fmt.Errorf("%w: pop %d of %d entries", ErrOutOfRange, n, p.end-p.start)
	}

	// The starting index moves in the first transaction. A crash before the
	// remaining deletes commit only leaves stale keys below the start, which
	// are never read.
	last := p.start + int64(n)
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], uint64(last))

	txn := p.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	if err := txn.Set(badgerStartKey, next[:]); err != nil {
		return fmt.Errorf("pop: %w", err)
	}
	for i := p.start; i < last; i++ {
		err := txn.Delete(entryKey(i))
		if errors.Is(err, badgerdb.ErrTxnTooBig) {
			if err = txn.Commit(); err == nil {
				txn = p.db.NewTransaction(true)
				err = txn.Delete(entryKey(i))
			}
		}
		if err != nil {
			return fmt.Errorf("pop %d: %w", i, err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("pop: %w", err)
	}
	p.start += int64(n)
	return nil
}

func (p *BadgerPersistency) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

var _ Persistency = (*BadgerPersistency)(nil)
