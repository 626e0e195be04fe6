// Package codec serializes file and container records.
//
// An update payload is laid out as
//
//	[8-byte little-endian id][1-byte codec version][protobuf wire fields]
//
// so the id can be read without decoding the rest. Fields are written in a
// fixed order, zero values are omitted and extended attributes are sorted by
// key, which makes the encoding canonical: decode followed by encode gives
// back the same bytes. A delete payload is the bare 8-byte id.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/synnove/eos/pkg/metadata"
)

// Version is the codec version written after the id.
const Version byte = 1

// HeaderSize is the size of the id and version prefix.
const HeaderSize = 9

// ErrCorruptRecord is returned for payloads that cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

// File field numbers.
const (
	fileContainerID protowire.Number = iota + 1
	fileName
	fileLinkName
	fileSize
	fileUID
	fileGID
	fileMode
	fileLayoutID
	fileCTime
	fileMTime
	fileChecksum
	fileLocations
	fileUnlinked
	fileXAttr
	fileClock
)

// Container field numbers.
const (
	contParentID protowire.Number = iota + 1
	contName
	contUID
	contGID
	contMode
	contFlags
	contCTime
	contMTime
	contTMTime
	contTreeSize
	contXAttr
	contClock
)

// xattr entry field numbers.
const (
	xattrKey   protowire.Number = 1
	xattrValue protowire.Number = 2
)

// RecordID returns the id stored in the first 8 bytes of any payload.
func RecordID(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("%w: payload of %d bytes has no id", ErrCorruptRecord, len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// EncodeDelete returns the payload of a delete record.
func EncodeDelete(id uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), id)
}

// ============================================================================
// Files
// ============================================================================

// EncodeFile serializes f.
func EncodeFile(f *metadata.File) []byte {
	b := header(make([]byte, 0, 128), f.ID)
	b = appendUint(b, fileContainerID, f.ContainerID)
	b = appendString(b, fileName, f.Name)
	b = appendString(b, fileLinkName, f.LinkName)
	b = appendUint(b, fileSize, f.Size)
	b = appendUint(b, fileUID, uint64(f.UID))
	b = appendUint(b, fileGID, uint64(f.GID))
	b = appendUint(b, fileMode, uint64(f.Mode))
	b = appendUint(b, fileLayoutID, uint64(f.LayoutID))
	b = appendTime(b, fileCTime, f.CTime)
	b = appendTime(b, fileMTime, f.MTime)
	if len(f.Checksum) > 0 {
		b = protowire.AppendTag(b, fileChecksum, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Checksum)
	}
	b = appendPacked(b, fileLocations, f.Locations)
	b = appendPacked(b, fileUnlinked, f.Unlinked)
	b = appendXAttrs(b, fileXAttr, f.XAttrs)
	b = appendUint(b, fileClock, f.Clock)
	return b
}

// DecodeFile parses a payload produced by EncodeFile.
func DecodeFile(payload []byte) (*metadata.File, error) {
	id, body, err := splitHeader(payload)
	if err != nil {
		return nil, err
	}

	f := &metadata.File{ID: id, XAttrs: map[string]string{}}
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fileContainerID:
			return consumeUint(b, typ, &f.ContainerID)
		case fileName:
			return consumeString(b, typ, &f.Name)
		case fileLinkName:
			return consumeString(b, typ, &f.LinkName)
		case fileSize:
			return consumeUint(b, typ, &f.Size)
		case fileUID:
			return consumeUint32(b, typ, &f.UID)
		case fileGID:
			return consumeUint32(b, typ, &f.GID)
		case fileMode:
			return consumeUint32(b, typ, &f.Mode)
		case fileLayoutID:
			return consumeUint32(b, typ, &f.LayoutID)
		case fileCTime:
			return consumeTime(b, typ, &f.CTime)
		case fileMTime:
			return consumeTime(b, typ, &f.MTime)
		case fileChecksum:
			if typ != protowire.BytesType {
				return -1, errWireType(num)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f.Checksum = slices.Clone(v)
			return n, nil
		case fileLocations:
			return consumePacked(b, typ, &f.Locations)
		case fileUnlinked:
			return consumePacked(b, typ, &f.Unlinked)
		case fileXAttr:
			return consumeXAttr(b, typ, f.XAttrs)
		case fileClock:
			return consumeUint(b, typ, &f.Clock)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding file %d: %w", id, err)
	}
	return f, nil
}

// ============================================================================
// Containers
// ============================================================================

// EncodeContainer serializes the persisted fields of c.
func EncodeContainer(c *metadata.Container) []byte {
	b := header(make([]byte, 0, 96), c.ID)
	b = appendUint(b, contParentID, c.ParentID)
	b = appendString(b, contName, c.Name)
	b = appendUint(b, contUID, uint64(c.UID))
	b = appendUint(b, contGID, uint64(c.GID))
	b = appendUint(b, contMode, uint64(c.Mode))
	b = appendUint(b, contFlags, uint64(c.Flags))
	b = appendTime(b, contCTime, c.CTime)
	b = appendTime(b, contMTime, c.MTime)
	b = appendTime(b, contTMTime, c.TMTime)
	b = appendUint(b, contTreeSize, c.TreeSize)
	b = appendXAttrs(b, contXAttr, c.XAttrs)
	b = appendUint(b, contClock, c.Clock)
	return b
}

// DecodeContainer parses a payload produced by EncodeContainer. The child
// maps of the result are empty.
func DecodeContainer(payload []byte) (*metadata.Container, error) {
	id, body, err := splitHeader(payload)
	if err != nil {
		return nil, err
	}

	c := metadata.NewContainer(id)
	c.CTime, c.MTime, c.TMTime = time.Time{}, time.Time{}, time.Time{}
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case contParentID:
			return consumeUint(b, typ, &c.ParentID)
		case contName:
			return consumeString(b, typ, &c.Name)
		case contUID:
			return consumeUint32(b, typ, &c.UID)
		case contGID:
			return consumeUint32(b, typ, &c.GID)
		case contMode:
			return consumeUint32(b, typ, &c.Mode)
		case contFlags:
			return consumeUint32(b, typ, &c.Flags)
		case contCTime:
			return consumeTime(b, typ, &c.CTime)
		case contMTime:
			return consumeTime(b, typ, &c.MTime)
		case contTMTime:
			return consumeTime(b, typ, &c.TMTime)
		case contTreeSize:
			return consumeUint(b, typ, &c.TreeSize)
		case contXAttr:
			return consumeXAttr(b, typ, c.XAttrs)
		case contClock:
			return consumeUint(b, typ, &c.Clock)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding container %d: %w", id, err)
	}
	return c, nil
}

// ============================================================================
// Wire helpers
// ============================================================================

func header(b []byte, id uint64) []byte {
	b = binary.LittleEndian.AppendUint64(b, id)
	return append(b, Version)
}

func splitHeader(payload []byte) (uint64, []byte, error) {
	if len(payload) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: payload of %d bytes is shorter than the header", ErrCorruptRecord, len(payload))
	}
	if v := payload[8]; v != Version {
		return 0, nil, fmt.Errorf("%w: unsupported codec version %d", ErrCorruptRecord, v)
	}
	return binary.LittleEndian.Uint64(payload), payload[HeaderSize:], nil
}

// walk calls field for every field of b. field returns the number of bytes
// it consumed, negative for a protowire parse error.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorruptRecord, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func errWireType(num protowire.Number) error {
	return fmt.Errorf("%w: field %d has unexpected wire type", ErrCorruptRecord, num)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendTime writes t as zigzag nanoseconds since the epoch. The zero time
// is omitted.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func appendPacked(b []byte, num protowire.Number, vs []uint32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendXAttrs(b []byte, num protowire.Number, xattrs map[string]string) []byte {
	keys := make([]string, 0, len(xattrs))
	for k := range xattrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, xattrKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, xattrValue, protowire.BytesType)
		entry = protowire.AppendString(entry, xattrs[k])

		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeUint(b []byte, typ protowire.Type, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return -1, errWireType(0)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeUint32(b []byte, typ protowire.Type, dst *uint32) (int, error) {
	var v uint64
	n, err := consumeUint(b, typ, &v)
	if err != nil || n < 0 {
		return n, err
	}
	if v > uint64(^uint32(0)) {
		return -1, fmt.Errorf("%w: value %d overflows 32 bits", ErrCorruptRecord, v)
	}
	*dst = uint32(v)
	return n, nil
}

func consumeString(b []byte, typ protowire.Type, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return -1, errWireType(0)
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeTime(b []byte, typ protowire.Type, dst *time.Time) (int, error) {
	var v uint64
	n, err := consumeUint(b, typ, &v)
	if err != nil || n < 0 {
		return n, err
	}
	*dst = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
	return n, nil
}

func consumePacked(b []byte, typ protowire.Type, dst *[]uint32) (int, error) {
	if typ != protowire.BytesType {
		return -1, errWireType(0)
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return m, nil
		}
		*dst = append(*dst, uint32(v))
		packed = packed[m:]
	}
	return n, nil
}

func consumeXAttr(b []byte, typ protowire.Type, dst map[string]string) (int, error) {
	if typ != protowire.BytesType {
		return -1, errWireType(0)
	}
	entry, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}

	var key, value string
	err := walk(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case xattrKey:
			return consumeString(b, typ, &key)
		case xattrValue:
			return consumeString(b, typ, &value)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return -1, err
	}
	dst[key] = value
	return n, nil
}
