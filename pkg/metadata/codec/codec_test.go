package codec

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/synnove/eos/pkg/metadata"
)

func sampleFile(id uint64) *metadata.File {
	f := metadata.NewFile(id)
	f.ContainerID = 3
	f.Name = fmt.Sprintf("file-%d", id)
	f.LinkName = "target"
	f.Size = 1 << 40
	f.UID, f.GID, f.Mode = 1000, 2000, 0o644
	f.LayoutID = 0x00100002
	f.Checksum = []byte{0xde, 0xad, 0xbe, 0xef}
	f.Locations = []uint32{1, 2, 70000}
	f.Unlinked = []uint32{3}
	f.XAttrs = map[string]string{"user.tag": "b", "sys.acl": "a", "": "empty-key"}
	f.Clock = 17
	return f
}

func TestFile_RoundTrip(t *testing.T) {
	f := sampleFile(42)

	payload := EncodeFile(f)
	got, err := DecodeFile(payload)
	require.NoError(t, err)

	assert.Equal(t, f, got)
	assert.Equal(t, payload, EncodeFile(got), "decode then encode must be byte identical")
}

func TestFile_RoundTripRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		f := metadata.NewFile(rng.Uint64())
		f.ContainerID = uint64(rng.Intn(1000))
		f.Size = rng.Uint64()
		f.CTime = time.Unix(rng.Int63n(1<<32)-1<<31, rng.Int63n(1e9)).UTC()
		for n := rng.Intn(5); n > 0; n-- {
			f.Locations = append(f.Locations, rng.Uint32())
		}
		for n := rng.Intn(4); n > 0; n-- {
			f.XAttrs[fmt.Sprintf("k%d", rng.Intn(100))] = fmt.Sprintf("v%d", rng.Int())
		}

		payload := EncodeFile(f)
		got, err := DecodeFile(payload)
		require.NoError(t, err)
		require.Equal(t, f, got)
		require.Equal(t, payload, EncodeFile(got))
	}
}

func TestContainer_RoundTrip(t *testing.T) {
	c := metadata.NewContainer(9)
	c.ParentID = 1
	c.Name = "dir"
	c.UID, c.GID, c.Mode, c.Flags = 1, 2, 0o755, 4
	c.TreeSize = 1234
	c.SetXAttr("sys.forced.space", "default")
	c.Clock = 3

	payload := EncodeContainer(c)
	got, err := DecodeContainer(payload)
	require.NoError(t, err)

	assert.Equal(t, payload, EncodeContainer(got))
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, c.ParentID, got.ParentID)
	assert.True(t, c.CTime.Equal(got.CTime))
	assert.True(t, c.TMTime.Equal(got.TMTime))
	assert.Equal(t, c.XAttrs, got.XAttrs)
	assert.Equal(t, c.Clock, got.Clock)
}

func TestContainer_ChildrenAreNotEncoded(t *testing.T) {
	c := metadata.NewContainer(9)
	before := EncodeContainer(c)
	c.LinkFile("a", 10)
	assert.Equal(t, before, EncodeContainer(c))
}

func TestRecordID(t *testing.T) {
	id, err := RecordID(EncodeFile(sampleFile(77)))
	require.NoError(t, err)
	assert.Equal(t, uint64(77), id)

	del := EncodeDelete(78)
	assert.Len(t, del, 8)
	id, err = RecordID(del)
	require.NoError(t, err)
	assert.Equal(t, uint64(78), id)

	_, err = RecordID([]byte{1, 2})
	assert.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestDecode_Corruption(t *testing.T) {
	payload := EncodeFile(sampleFile(5))

	t.Run("Truncated", func(t *testing.T) {
		_, err := DecodeFile(payload[:len(payload)-3])
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("ShortHeader", func(t *testing.T) {
		_, err := DecodeFile(payload[:5])
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		bad := append([]byte(nil), payload...)
		bad[8] = 99
		_, err := DecodeFile(bad)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	payload := EncodeFile(sampleFile(5))
	payload = protowire.AppendTag(payload, 99, protowire.BytesType)
	payload = protowire.AppendString(payload, "from a newer writer")

	got, err := DecodeFile(payload)
	require.NoError(t, err)
	assert.Equal(t, "file-5", got.Name)
}
