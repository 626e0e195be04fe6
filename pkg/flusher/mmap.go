// mmap.go provides a memory-mapped spill log for queued commands.
//
// File Format:
//
//	Header (64 bytes):
//	  - Magic: "EOSQ" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Reserved: 2 bytes
//	  - Starting index: int64 (8 bytes)
//	  - Ending index: int64 (8 bytes)
//	  - Head offset: uint64 (8 bytes), offset of the entry at the starting index
//	  - Next write offset: uint64 (8 bytes)
//	  - Reserved: 24 bytes
//
//	Entries (variable):
//	  - Index: int64 (8 bytes)
//	  - Payload length: uint32 (4 bytes)
//	  - Payload: encoded command
//
// The header is rewritten after every entry, so a crash between the two
// leaves the entry invisible. Popping only moves the head. Once every entry
// is popped the log rewinds to the header; when it would grow, live entries
// are first moved back to the header if that frees enough room.

package flusher

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/synnove/eos/pkg/kv"
)

// mmap file constants
const (
	mmapMagic        = "EOSQ"
	mmapVersion      = uint16(1)
	mmapHeaderSize   = 64
	mmapInitialSize  = 4 * 1024 * 1024
	mmapGrowthFactor = 2
	mmapFileName     = "queue.dat"

	entryHeaderSize = 8 + 4
)

// MmapPersistency implements Persistency on a memory-mapped file.
type MmapPersistency struct {
	mu   sync.Mutex
	file *os.File
	data []byte // mmap'd region
	size uint64 // current file/mmap size

	start, end int64
	head, next uint64
	// offsets[i] is the file offset of the entry at start+i.
	offsets []uint64

	dirty  bool
	closed bool
}

// OpenMmapPersistency opens the spill log in dir, creating it if needed.
// Entries left by a previous process are validated and kept.
func OpenMmapPersistency(dir string) (*MmapPersistency, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	filePath := filepath.Join(dir, mmapFileName)
	p := &MmapPersistency{}

	var err error
	if _, statErr := os.Stat(filePath); statErr == nil {
		err = p.openExisting(filePath)
	} else {
		err = p.createNew(filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("init mmap: %w", err)
	}
	return p, nil
}

// createNew creates a new mmap file with initial size.
func (p *MmapPersistency) createNew(filePath string) error {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if err := f.Truncate(int64(mmapInitialSize)); err != nil {
		f.Close()
		return fmt.Errorf("truncate file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mmapInitialSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	p.file = f
	p.data = data
	p.size = mmapInitialSize
	p.head = mmapHeaderSize
	p.next = mmapHeaderSize

	copy(p.data[0:4], mmapMagic)
	binary.LittleEndian.PutUint16(p.data[4:6], mmapVersion)
	p.writeHeader()
	return nil
}

// openExisting maps an existing file and rebuilds the offset table.
func (p *MmapPersistency) openExisting(filePath string) error {
	f, err := os.OpenFile(filePath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat file: %w", err)
	}

	size := uint64(info.Size())
	if size < mmapHeaderSize {
		f.Close()
		return ErrCorrupted
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	p.file = f
	p.data = data
	p.size = size

	if string(data[0:4]) != mmapMagic {
		_ = p.closeLocked()
		return ErrCorrupted
	}
	if binary.LittleEndian.Uint16(data[4:6]) != mmapVersion {
		_ = p.closeLocked()
		return ErrVersionMismatch
	}

	p.start = int64(binary.LittleEndian.Uint64(data[8:16]))
	p.end = int64(binary.LittleEndian.Uint64(data[16:24]))
	p.head = binary.LittleEndian.Uint64(data[24:32])
	p.next = binary.LittleEndian.Uint64(data[32:40])

	if err := p.rebuildOffsets(); err != nil {
		_ = p.closeLocked()
		return err
	}
	return nil
}

// rebuildOffsets walks [head, next) and checks that the entries carry the
// indices [start, end) in order.
func (p *MmapPersistency) rebuildOffsets() error {
	if p.start > p.end || p.head < mmapHeaderSize || p.head > p.next || p.next > p.size {
		return fmt.Errorf("%w: inconsistent header", ErrCorrupted)
	}

	p.offsets = make([]uint64, 0, p.end-p.start)
	offset := p.head
	for want := p.start; want < p.end; want++ {
		if offset+entryHeaderSize > p.next {
			return fmt.Errorf("%w: entry %d truncated", ErrCorrupted, want)
		}
		index := int64(binary.LittleEndian.Uint64(p.data[offset:]))
		length := uint64(binary.LittleEndian.Uint32(p.data[offset+8:]))
		if index != want {
			return fmt.Errorf("%w: expected index %d, found %d", ErrCorrupted, want, index)
		}
		if offset+entryHeaderSize+length > p.next {
			return fmt.Errorf("%w: entry %d truncated", ErrCorrupted, want)
		}
		p.offsets = append(p.offsets, offset)
		offset += entryHeaderSize + length
	}
	if offset != p.next {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, p.next-offset)
	}
	return nil
}

func (p *MmapPersistency) StartingIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start
}

func (p *MmapPersistency) EndingIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end
}

// Record appends cmd at index.
func (p *MmapPersistency) Record(index int64, cmd kv.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersistencyClosed
	}
	if index != p.end {
		return fmt.Errorf("%w: record %d, ending index is %d", ErrOutOfRange, index, p.end)
	}

	payload := encodeCommand(cmd)
	entrySize := uint64(entryHeaderSize + len(payload))
	if err := p.ensureSpace(entrySize); err != nil {
		return err
	}

	offset := p.next
	binary.LittleEndian.PutUint64(p.data[offset:], uint64(index))
	binary.LittleEndian.PutUint32(p.data[offset+8:], uint32(len(payload)))
	copy(p.data[offset+entryHeaderSize:], payload)

	p.offsets = append(p.offsets, offset)
	p.next = offset + entrySize
	p.end++
	p.writeHeader()

	p.dirty = true
	return nil
}

// Retrieve decodes the entry at index.
func (p *MmapPersistency) Retrieve(index int64) (kv.Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPersistencyClosed
	}
	if index < p.start || index >= p.end {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}

	offset := p.offsets[index-p.start]
	length := uint64(binary.LittleEndian.Uint32(p.data[offset+8:]))
	body := p.data[offset+entryHeaderSize : offset+entryHeaderSize+length]
	return decodeCommand(body)
}

// Pop drops n entries from the starting index.
func (p *MmapPersistency) Pop(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersistencyClosed
	}
	if n <= 0 || int64(n) > p.end-p.start {
		return fmt.Errorf("%w: pop %d of %d entries", ErrOutOfRange, n, p.end-p.start)
	}

	p.start += int64(n)
	p.offsets = p.offsets[n:]
	if p.start == p.end {
		p.offsets = nil
		p.head = mmapHeaderSize
		p.next = mmapHeaderSize
	} else {
		p.head = p.offsets[0]
	}
	p.writeHeader()

	p.dirty = true
	return nil
}

// Sync schedules dirty pages for writeback. The mapping is shared, so
// entries already survive a process crash without it.
func (p *MmapPersistency) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPersistencyClosed
	}
	if !p.dirty {
		return nil
	}
	if err := unix.Msync(p.data, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	p.dirty = false
	return nil
}

// Close releases resources held by the persistency.
func (p *MmapPersistency) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closeLocked()
}

// closeLocked closes the persistency (caller must hold lock).
func (p *MmapPersistency) closeLocked() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.data != nil {
		_ = unix.Msync(p.data, unix.MS_SYNC)

		if err := unix.Munmap(p.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		p.data = nil
	}

	if p.file != nil {
		if err := p.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		p.file = nil
	}
	return nil
}

// writeHeader writes the current indices and offsets to the mmap file.
func (p *MmapPersistency) writeHeader() {
	binary.LittleEndian.PutUint64(p.data[8:16], uint64(p.start))
	binary.LittleEndian.PutUint64(p.data[16:24], uint64(p.end))
	binary.LittleEndian.PutUint64(p.data[24:32], p.head)
	binary.LittleEndian.PutUint64(p.data[32:40], p.next)
}

// ensureSpace makes room for needed bytes at the write offset, compacting
// before growing.
func (p *MmapPersistency) ensureSpace(needed uint64) error {
	if p.next+needed <= p.size {
		return nil
	}
	if p.compact() && p.next+needed <= p.size {
		return nil
	}

	newSize := p.size * mmapGrowthFactor
	for p.next+needed > newSize {
		newSize *= mmapGrowthFactor
	}

	// The old mapping stays valid until the new one exists, so a failed
	// growth leaves the log exactly as it was.
	if err := growFile(p.file, int64(newSize)); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	data, err := unix.Mmap(int(p.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = p.file.Truncate(int64(p.size))
		return fmt.Errorf("mmap: %w", err)
	}

	if err := unix.Munmap(p.data); err != nil {
		_ = unix.Munmap(data)
		return fmt.Errorf("munmap: %w", err)
	}

	p.data = data
	p.size = newSize
	return nil
}

// growFile extends the spill file. Tests replace it to simulate a full disk.
var growFile = func(f *os.File, size int64) error {
	return f.Truncate(size)
}

// compact moves the live entries down to the header. The source and
// destination must not overlap: the old copy stays intact until the header
// points at the new one.
func (p *MmapPersistency) compact() bool {
	live := p.next - p.head
	gap := p.head - mmapHeaderSize
	if gap == 0 || live > gap {
		return false
	}

	copy(p.data[mmapHeaderSize:], p.data[p.head:p.next])
	for i := range p.offsets {
		p.offsets[i] -= gap
	}
	p.head = mmapHeaderSize
	p.next = mmapHeaderSize + live
	p.writeHeader()
	return true
}

var _ Persistency = (*MmapPersistency)(nil)
