package flusher

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/synnove/eos/pkg/kv"
)

// Persistency errors
var (
	// ErrPersistencyClosed is returned when operations are attempted on a closed persistency.
	ErrPersistencyClosed = errors.New("flusher: persistency is closed")

	// ErrCorrupted is returned when a spill file cannot be decoded.
	ErrCorrupted = errors.New("flusher: spill corrupted")

	// ErrVersionMismatch is returned when the spill file version doesn't match.
	ErrVersionMismatch = errors.New("flusher: spill version mismatch")

	// ErrOutOfRange is returned when an index outside [start, end) is requested.
	ErrOutOfRange = errors.New("flusher: index out of range")
)

// Persistency stores queued commands until the remote store acknowledges
// them. Entries occupy the contiguous index range [StartingIndex,
// EndingIndex); Record appends at EndingIndex and Pop drops from StartingIndex.
//
// Implementations must be safe for concurrent use.
type Persistency interface {
	StartingIndex() int64
	EndingIndex() int64

	// Record stores cmd at index, which must equal EndingIndex.
	Record(index int64, cmd kv.Command) error

	// Retrieve returns the command stored at index.
	Retrieve(index int64) (kv.Command, error)

	// Pop discards the n entries starting at StartingIndex.
	Pop(n int) error

	Close() error
}

// ============================================================================
// Command encoding
// ============================================================================

// encodeCommand writes every argument as a length-delimited field 1.
func encodeCommand(cmd kv.Command) []byte {
	var b []byte
	for _, arg := range cmd {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, arg)
	}
	return b
}

func decodeCommand(b []byte) (kv.Command, error) {
	var cmd kv.Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != 1 || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: bad command tag", ErrCorrupted)
		}
		b = b[n:]
		arg, n := protowire.ConsumeString(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: truncated command argument", ErrCorrupted)
		}
		cmd = append(cmd, arg)
		b = b[n:]
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrCorrupted)
	}
	return cmd, nil
}

// ============================================================================
// Memory
// ============================================================================

// MemoryPersistency keeps entries in memory only. Entries do not survive a
// restart.
type MemoryPersistency struct {
	mu      sync.Mutex
	start   int64
	entries []kv.Command
	closed  bool
}

// NewMemoryPersistency returns an empty MemoryPersistency.
func NewMemoryPersistency() *MemoryPersistency {
	return &MemoryPersistency{}
}

func (p *MemoryPersistency) StartingIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start
}

func (p *MemoryPersistency) EndingIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start + int64(len(p.entries))
}

func (p *MemoryPersistency) Record(index int64, cmd kv.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersistencyClosed
	}
	if end := p.start + int64(len(p.entries)); index != end {
		return fmt.Errorf("%w: record %d, ending index is %d", ErrOutOfRange, index, end)
	}
	p.entries = append(p.entries, append(kv.Command(nil), cmd...))
	return nil
}

func (p *MemoryPersistency) Retrieve(index int64) (kv.Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPersistencyClosed
	}
	if index < p.start || index >= p.start+int64(len(p.entries)) {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	return p.entries[index-p.start], nil
}

func (p *MemoryPersistency) Pop(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersistencyClosed
	}
	if n <= 0 || n > len(p.entries) {
		return fmt.Errorf("%w: pop %d of %d entries", ErrOutOfRange, n, len(p.entries))
	}
	clear(p.entries[:n])
	p.entries = p.entries[n:]
	p.start += int64(n)
	return nil
}

func (p *MemoryPersistency) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var _ Persistency = (*MemoryPersistency)(nil)
