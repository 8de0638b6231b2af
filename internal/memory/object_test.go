package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHeader struct {
	Magic uint32
	Len   uint16
	Flags uint16
	Addr  uint64
}

func TestObject_RoundTrip(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, Range{Base: 0x0, Size: 0x1000}, Range{Base: 0x1000, Size: 0x1000})

	want := testHeader{Magic: 0xfeedface, Len: 0x20, Flags: 3, Addr: 0x1234_5678_9abc}

	// Crosses the boundary between the two regions.
	require.NoError(t, WriteObj(mem, want, GuestAddress(0xffa)))

	got, err := ReadObj[testHeader](mem, GuestAddress(0xffa))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestObject_LittleEndian(t *testing.T) {
	t.Parallel()

	r := newTestRegion(t, 0x0, 0x1000)
	defer r.Release()

	require.NoError(t, WriteObj(r, uint32(0x01020304), MemoryRegionAddress(0x10)))
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, r.AsSlice()[0x10:0x14])

	v, err := ReadObj[uint16](r, MemoryRegionAddress(0x12))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), v)
}

func TestObject_OutOfRange(t *testing.T) {
	t.Parallel()

	r := newTestRegion(t, 0x0, 0x1000)
	defer r.Release()

	err := WriteObj(r, uint64(1), MemoryRegionAddress(0xffc))
	var partial *PartialBufferError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 8, partial.Expected)
	assert.Equal(t, 4, partial.Completed)

	_, err = ReadObj[uint64](r, MemoryRegionAddress(0x1000))
	require.ErrorIs(t, err, ErrInvalidBackendAddress)
}

func TestObject_VariableSizeRejected(t *testing.T) {
	t.Parallel()

	r := newTestRegion(t, 0x0, 0x1000)
	defer r.Release()

	_, err := ReadObj[struct{ Data []byte }](r, MemoryRegionAddress(0))
	require.Error(t, err)

	err = WriteObj(r, map[string]int{}, MemoryRegionAddress(0))
	require.Error(t, err)
}
