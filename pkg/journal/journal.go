// Package journal implements the append-only record file behind the local
// metadata backend.
//
// File Format:
//
//	Header (16 bytes):
//	  - Magic: uint32, identifies the kind of journal
//	  - Version: uint16
//	  - Flags: uint16 (bit 0: compacted)
//	  - Reserved: 8 bytes
//
//	Records (variable):
//	  - Type: uint8 (1 update, 2 delete, 3 compaction mark)
//	  - Length: uint32
//	  - Payload: Length bytes
//
// All integers are little-endian. Offsets returned by Append are absolute
// file offsets and strictly increase.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/synnove/eos/internal/logger"
)

// Well-known magics.
const (
	FileMagic      uint32 = 0x45465331 // "EFS1", file records
	ContainerMagic uint32 = 0x45435331 // "ECS1", container records
)

const (
	// HeaderSize is the size of the file header; the first record starts here.
	HeaderSize = 16

	// FormatVersion is the on-disk format version.
	FormatVersion uint16 = 1

	// FlagCompacted marks a journal produced by compaction. Its snapshot
	// ends at the first compaction mark.
	FlagCompacted uint16 = 1 << 0

	// MaxPayload bounds the length field so garbage is not mistaken for a
	// huge record.
	MaxPayload = 64 << 20

	recordHeaderSize = 5
	flagsOffset      = 6
)

// RecordType is the one-byte record tag.
type RecordType uint8

const (
	Update         RecordType = 1
	Delete         RecordType = 2
	CompactionMark RecordType = 3
)

// String returns the record type name.
func (t RecordType) String() string {
	switch t {
	case Update:
		return "update"
	case Delete:
		return "delete"
	case CompactionMark:
		return "compaction_mark"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t RecordType) valid() bool {
	return t >= Update && t <= CompactionMark
}

// Mode selects how the journal is opened.
type Mode int

const (
	// ModeMaster creates the file if needed and appends to it.
	ModeMaster Mode = iota
	// ModeFollower opens the file strictly read-only.
	ModeFollower
)

var (
	// ErrStop may be returned by a Visitor to end a scan early.
	ErrStop = errors.New("stop scan")

	ErrClosed          = errors.New("journal closed")
	ErrReadOnly        = errors.New("journal opened read-only")
	ErrBadMagic        = errors.New("journal magic mismatch")
	ErrVersionMismatch = errors.New("journal version mismatch")
	ErrCorrupted       = errors.New("journal corrupted")
)

// Record is one decoded journal record.
type Record struct {
	Offset  uint64
	Type    RecordType
	Payload []byte
}

// Size returns the number of bytes the record occupies on disk.
func (r Record) Size() uint64 {
	return recordHeaderSize + uint64(len(r.Payload))
}

// Visitor is called once per record during a scan. Payload is owned by the
// visitor.
type Visitor func(Record) error

// Metrics receives journal activity. A nil Metrics is valid.
type Metrics interface {
	ObserveAppend(t RecordType, bytes int)
}

// Option configures Open.
type Option func(*Journal)

// WithSync makes every Append fsync before returning.
func WithSync(enabled bool) Option {
	return func(j *Journal) { j.syncEach = enabled }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// Journal is an open journal file. Appends are serialized internally;
// ReadAt and Scan may run concurrently with them.
type Journal struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	mode     Mode
	magic    uint32
	flags    uint16
	next     uint64
	closed   bool
	syncEach bool
	metrics  Metrics
}

// Open opens the journal at path.
//
// In master mode a missing file is created with a fresh header and a torn
// trailing record left by a crash is truncated away. In follower mode the
// file must already exist and is never written.
func Open(path string, mode Mode, magic uint32, opts ...Option) (*Journal, error) {
	j := &Journal{path: path, mode: mode, magic: magic}
	for _, opt := range opts {
		opt(j)
	}

	flag := os.O_RDONLY
	if mode == ModeMaster {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j.f = f

	if err := j.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	info, err := j.f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}

	if info.Size() == 0 && j.mode == ModeMaster {
		if err := j.writeHeader(); err != nil {
			return err
		}
		j.next = HeaderSize
		return nil
	}

	if err := j.readHeader(); err != nil {
		return err
	}

	if j.mode == ModeFollower {
		j.next = uint64(info.Size())
		return nil
	}

	end, err := j.Scan(HeaderSize, func(Record) error { return nil })
	if err != nil {
		return fmt.Errorf("validate journal: %w", err)
	}
	if end < uint64(info.Size()) {
		logger.Warn("Truncating torn journal tail",
			logger.KeyPath, j.path,
			logger.KeyOffset, end,
			logger.KeySize, uint64(info.Size())-end)
		if err := j.f.Truncate(int64(end)); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	j.next = end
	return nil
}

func (j *Journal) writeHeader() error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], j.magic)
	binary.LittleEndian.PutUint16(hdr[4:], FormatVersion)
	binary.LittleEndian.PutUint16(hdr[flagsOffset:], j.flags)
	if _, err := j.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write journal header: %w", err)
	}
	return j.f.Sync()
}

func (j *Journal) readHeader() error {
	var hdr [HeaderSize]byte
	if _, err := j.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrCorrupted, err)
	}
	if m := binary.LittleEndian.Uint32(hdr[0:]); m != j.magic {
		return fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, m, j.magic)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != FormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, FormatVersion)
	}
	j.flags = binary.LittleEndian.Uint16(hdr[flagsOffset:])
	return nil
}

// Append writes a record and returns its offset.
func (j *Journal) Append(t RecordType, payload []byte) (uint64, error) {
	if !t.valid() {
		return 0, fmt.Errorf("append: invalid record type %d", t)
	}
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("append: payload of %d bytes exceeds limit", len(payload))
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}
	if j.mode != ModeMaster {
		return 0, ErrReadOnly
	}

	off := j.next
	if _, err := j.f.WriteAt(buf, int64(off)); err != nil {
		return 0, fmt.Errorf("append at %d: %w", off, err)
	}
	if j.syncEach {
		if err := j.f.Sync(); err != nil {
			return 0, fmt.Errorf("sync after append: %w", err)
		}
	}
	j.next = off + uint64(len(buf))

	if j.metrics != nil {
		j.metrics.ObserveAppend(t, len(buf))
	}
	return off, nil
}

// ReadAt returns the record stored at offset.
func (j *Journal) ReadAt(offset uint64) (Record, error) {
	if offset < HeaderSize || offset > math.MaxInt64 {
		return Record{}, fmt.Errorf("%w: invalid record offset %d", ErrCorrupted, offset)
	}

	var hdr [recordHeaderSize]byte
	if _, err := j.f.ReadAt(hdr[:], int64(offset)); err != nil {
		return Record{}, fmt.Errorf("%w: read record header at %d: %v", ErrCorrupted, offset, err)
	}
	t, n, err := parseRecordHeader(hdr[:], offset)
	if err != nil {
		return Record{}, err
	}

	payload := make([]byte, n)
	if _, err := j.f.ReadAt(payload, int64(offset)+recordHeaderSize); err != nil {
		return Record{}, fmt.Errorf("%w: read payload at %d: %v", ErrCorrupted, offset, err)
	}
	return Record{Offset: offset, Type: t, Payload: payload}, nil
}

// Scan reads records sequentially starting at offset and calls visit for
// each one. It returns the offset following the last record visited.
//
// The scan ends cleanly at end of file or before an incomplete trailing
// record. A visitor returning ErrStop ends it after that record.
func (j *Journal) Scan(offset uint64, visit Visitor) (uint64, error) {
	if offset < HeaderSize {
		offset = HeaderSize
	}

	r := bufio.NewReaderSize(io.NewSectionReader(j.f, int64(offset), math.MaxInt64-int64(offset)), 256<<10)
	var hdr [recordHeaderSize]byte

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return offset, fmt.Errorf("read record header at %d: %w", offset, err)
		}
		t, n, err := parseRecordHeader(hdr[:], offset)
		if err != nil {
			return offset, err
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return offset, fmt.Errorf("read payload at %d: %w", offset, err)
		}

		rec := Record{Offset: offset, Type: t, Payload: payload}
		err = visit(rec)
		if err != nil && !errors.Is(err, ErrStop) {
			return offset, err
		}
		offset += rec.Size()
		if err != nil {
			return offset, nil
		}
	}
}

func parseRecordHeader(hdr []byte, offset uint64) (RecordType, uint32, error) {
	t := RecordType(hdr[0])
	if !t.valid() {
		return 0, 0, fmt.Errorf("%w: unknown record type %d at offset %d", ErrCorrupted, hdr[0], offset)
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > MaxPayload {
		return 0, 0, fmt.Errorf("%w: record length %d at offset %d exceeds limit", ErrCorrupted, n, offset)
	}
	return t, n, nil
}

// FirstOffset returns the offset of the first record.
func (j *Journal) FirstOffset() uint64 {
	return HeaderSize
}

// NextOffset returns the offset the next Append will use. For a follower it
// is the current file size.
func (j *Journal) NextOffset() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mode == ModeFollower && !j.closed {
		if info, err := j.f.Stat(); err == nil {
			j.next = uint64(info.Size())
		}
	}
	return j.next
}

// Flags returns the header flags.
func (j *Journal) Flags() uint16 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flags
}

// Compacted reports whether FlagCompacted is set.
func (j *Journal) Compacted() bool {
	return j.Flags()&FlagCompacted != 0
}

// SetFlags rewrites the header flags.
func (j *Journal) SetFlags(flags uint16) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.mode != ModeMaster {
		return ErrReadOnly
	}
	j.flags = flags
	return j.writeHeader()
}

// Rename moves the journal file to path. The open handle stays valid.
func (j *Journal) Rename(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := os.Rename(j.path, path); err != nil {
		return fmt.Errorf("rename journal: %w", err)
	}
	j.path = path
	return nil
}

// SameFile reports whether path currently names the open file. A follower
// uses it to notice that compaction replaced the journal under it.
func (j *Journal) SameFile(path string) (bool, error) {
	cur, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	open, err := j.f.Stat()
	if err != nil {
		return false, err
	}
	return os.SameFile(cur, open), nil
}

// Path returns the file path.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Magic returns the header magic.
func (j *Journal) Magic() uint32 {
	return j.magic
}

// Mode returns the open mode.
func (j *Journal) Mode() Mode {
	return j.mode
}

// Sync flushes written records to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.mode != ModeMaster {
		return nil
	}
	return j.f.Sync()
}

// Close syncs (in master mode) and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	var syncErr error
	if j.mode == ModeMaster {
		syncErr = j.f.Sync()
	}
	if err := j.f.Close(); err != nil {
		return err
	}
	return syncErr
}
