package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, ranges ...Range) *GuestMemoryMmap {
	t.Helper()

	mem, err := FromRanges(ranges)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mem.Close())
	})

	return mem
}

func layout(m *GuestMemoryMmap) []Range {
	var out []Range
	for _, r := range m.Regions() {
		out = append(out, Range{Base: r.StartAddr(), Size: int(r.Len())})
	}

	return out
}

func TestGuestMemoryMmap_FindRegion(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t,
		Range{Base: 0x0, Size: 0x1000},
		Range{Base: 0x2000, Size: 0x1000},
		Range{Base: 0x10000, Size: 0x2000},
	)

	tests := []struct {
		name string
		addr GuestAddress
		base GuestAddress
		hit  bool
	}{
		{name: "first byte", addr: 0x0, base: 0x0, hit: true},
		{name: "last byte of first", addr: 0xfff, base: 0x0, hit: true},
		{name: "gap after first", addr: 0x1000, hit: false},
		{name: "end of gap", addr: 0x1fff, hit: false},
		{name: "start of second", addr: 0x2000, base: 0x2000, hit: true},
		{name: "inside second", addr: 0x2abc, base: 0x2000, hit: true},
		{name: "gap after second", addr: 0x3000, hit: false},
		{name: "inside third", addr: 0x11fff, base: 0x10000, hit: true},
		{name: "past the end", addr: 0x12000, hit: false},
		{name: "top of address space", addr: ^GuestAddress(0), hit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := mem.FindRegion(tt.addr)
			if !tt.hit {
				assert.Nil(t, r)
				assert.False(t, mem.AddressInRange(tt.addr))

				return
			}

			require.NotNil(t, r)
			assert.Equal(t, tt.base, r.StartAddr())
			assert.True(t, mem.AddressInRange(tt.addr))
		})
	}
}

func TestGuestMemoryMmap_ConstructionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ranges []Range
		err    error
	}{
		{name: "empty", ranges: nil, err: ErrNoMemoryRegion},
		{
			name:   "overlap",
			ranges: []Range{{Base: 0x0, Size: 0x2000}, {Base: 0x1000, Size: 0x1000}},
			err:    ErrMemoryRegionOverlap,
		},
		{
			name:   "unsorted",
			ranges: []Range{{Base: 0x4000, Size: 0x1000}, {Base: 0x0, Size: 0x1000}},
			err:    ErrUnsortedMemoryRegions,
		},
		{
			name:   "invalid size",
			ranges: []Range{{Base: 0x0, Size: 0}},
			err:    ErrInvalidMappingSize,
		},
		{
			name:   "overflow",
			ranges: []Range{{Base: ^GuestAddress(0) - 0x10, Size: 0x1000}},
			err:    ErrInvalidGuestRegion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mem, err := FromRanges(tt.ranges)
			require.ErrorIs(t, err, tt.err)
			assert.Nil(t, mem)
		})
	}
}

func TestGuestMemoryMmap_AdjacentRegionsDoNotOverlap(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, Range{Base: 0x0, Size: 0x1000}, Range{Base: 0x1000, Size: 0x1000})

	assert.Equal(t, 2, mem.NumRegions())
	assert.True(t, mem.CheckRange(0x800, 0x1000))
	assert.Equal(t, GuestUsize(0x2000), mem.TotalSize())
	assert.Equal(t, GuestAddress(0x1fff), mem.LastAddr())
}

func TestGuestMemoryMmap_MmapRegionErrorFromFileRange(t *testing.T) {
	t.Parallel()

	_, err := FromRangesWithFiles([]FileRange{{Base: 0, Size: 0x1000, FileOffset: &FileOffset{}}}, false)

	var mmapErr *MmapRegionError
	require.ErrorAs(t, err, &mmapErr)
}

func TestGuestMemoryMmap_FromRegionsReleasesOnError(t *testing.T) {
	t.Parallel()

	a := newTestRegion(t, 0x0, 0x2000)
	b := newTestRegion(t, 0x1000, 0x1000)

	_, err := FromRegions([]*GuestRegionMmap{a, b})
	require.ErrorIs(t, err, ErrMemoryRegionOverlap)

	assert.True(t, a.mapping.unmapped.Load())
	assert.True(t, b.mapping.unmapped.Load())
}

func TestGuestMemoryMmap_FromArcRegionsShares(t *testing.T) {
	t.Parallel()

	a := newTestRegion(t, 0x0, 0x1000)

	mem, err := FromArcRegions([]*GuestRegionMmap{a})
	require.NoError(t, err)

	require.NoError(t, mem.Close())
	assert.False(t, a.mapping.unmapped.Load())

	require.NoError(t, a.Release())
	assert.True(t, a.mapping.unmapped.Load())
}

func TestGuestMemoryMmap_InsertRemoveRestoresLayout(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, Range{Base: 0x0, Size: 0x1000}, Range{Base: 0x4000, Size: 0x1000})
	before := layout(mem)

	inserted, err := mem.InsertRegion(newTestRegion(t, 0x2000, 0x1000))
	require.NoError(t, err)
	defer inserted.Close()

	assert.Equal(t, []Range{
		{Base: 0x0, Size: 0x1000},
		{Base: 0x2000, Size: 0x1000},
		{Base: 0x4000, Size: 0x1000},
	}, layout(inserted))

	// The original collection is unchanged.
	assert.Equal(t, before, layout(mem))
	assert.Nil(t, mem.FindRegion(0x2000))

	removed, region, err := inserted.RemoveRegion(0x2000, 0x1000)
	require.NoError(t, err)
	defer removed.Close()

	assert.Equal(t, before, layout(removed))
	assert.Equal(t, GuestAddress(0x2000), region.StartAddr())

	// The removed region stays usable until released.
	require.NoError(t, region.WriteSlice([]byte{0xaa}, 0))
	require.NoError(t, inserted.Close())
	require.NoError(t, region.WriteSlice([]byte{0xbb}, 1))

	require.NoError(t, region.Release())
	assert.True(t, region.mapping.unmapped.Load())
}

func TestGuestMemoryMmap_InsertOverlapKeepsCollection(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, Range{Base: 0x0, Size: 0x2000})
	region := newTestRegion(t, 0x1000, 0x1000)

	next, err := mem.InsertRegion(region)
	require.ErrorIs(t, err, ErrMemoryRegionOverlap)
	assert.Nil(t, next)

	// The failed region was released with the caller's reference.
	assert.True(t, region.mapping.unmapped.Load())

	// The original collection is still fully usable.
	require.NoError(t, mem.WriteSlice([]byte{1, 2, 3}, 0x1000))
	assert.Equal(t, 1, mem.NumRegions())
}

func TestGuestMemoryMmap_RemoveRegionMismatch(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, Range{Base: 0x0, Size: 0x1000}, Range{Base: 0x2000, Size: 0x1000})

	tests := []struct {
		name string
		base GuestAddress
		size GuestUsize
	}{
		{name: "wrong size", base: 0x2000, size: 0x800},
		{name: "inside a region", base: 0x2800, size: 0x800},
		{name: "unknown base", base: 0x8000, size: 0x1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next, region, err := mem.RemoveRegion(tt.base, tt.size)
			require.ErrorIs(t, err, ErrInvalidGuestRegion)
			assert.Nil(t, next)
			assert.Nil(t, region)
			assert.Equal(t, 2, mem.NumRegions())
		})
	}
}

func TestGuestMemoryMmap_InsertFollowsDirtyTracking(t *testing.T) {
	t.Parallel()

	t.Run("tracked collection enables tracking", func(t *testing.T) {
		t.Parallel()

		mem, err := FromRangesWithTracking([]Range{{Base: 0x0, Size: 0x1000}})
		require.NoError(t, err)
		defer mem.Close()

		next, err := mem.InsertRegion(newTestRegion(t, 0x1000, 0x1000))
		require.NoError(t, err)
		defer next.Close()

		assert.True(t, next.IsDirtyTrackingEnabled())
		assert.NotNil(t, next.FindRegion(0x1000).DirtyBitmap())
	})

	t.Run("untracked collection disables tracking", func(t *testing.T) {
		t.Parallel()

		mem := newTestMemory(t, Range{Base: 0x0, Size: 0x1000})

		region := newTestRegion(t, 0x1000, 0x1000)
		region.EnableDirtyPageTracking()

		next, err := mem.InsertRegion(region)
		require.NoError(t, err)
		defer next.Close()

		assert.False(t, next.IsDirtyTrackingEnabled())
		assert.Nil(t, next.FindRegion(0x1000).DirtyBitmap())
	})

	t.Run("empty collection tracks", func(t *testing.T) {
		t.Parallel()

		mem := New()
		assert.True(t, mem.IsDirtyTrackingEnabled())

		next, err := mem.InsertRegion(newTestRegion(t, 0x0, 0x1000))
		require.NoError(t, err)
		defer next.Close()

		assert.True(t, next.IsDirtyTrackingEnabled())
	})
}

func TestGuestMemoryMmap_InsertSharedRegionKeepsOtherCollection(t *testing.T) {
	t.Parallel()

	tracked, err := FromRangesWithTracking([]Range{{Base: 0x0, Size: 0x1000}, {Base: 0x10000, Size: 0x1000}})
	require.NoError(t, err)
	defer tracked.Close()

	shrunk, removed, err := tracked.RemoveRegion(0x10000, 0x1000)
	require.NoError(t, err)
	defer shrunk.Close()

	untracked := newTestMemory(t, Range{Base: 0x0, Size: 0x1000})

	next, err := untracked.InsertRegion(removed)
	require.ErrorIs(t, err, ErrInvalidGuestRegion)
	assert.Nil(t, next)

	// The collection still holding the region keeps tracking its dirty pages.
	assert.True(t, tracked.IsDirtyTrackingEnabled())
	require.NotNil(t, tracked.FindRegion(0x10000).DirtyBitmap())

	require.NoError(t, tracked.WriteSlice([]byte{1}, 0x10000))
	assert.True(t, tracked.FindRegion(0x10000).DirtyBitmap().IsBitSet(0))
	assert.False(t, tracked.FindRegion(0x10000).mapping.unmapped.Load())

	t.Run("sole owner is switched", func(t *testing.T) {
		t.Parallel()

		mem, err := FromRangesWithTracking([]Range{{Base: 0x0, Size: 0x1000}, {Base: 0x10000, Size: 0x1000}})
		require.NoError(t, err)

		rest, region, err := mem.RemoveRegion(0x10000, 0x1000)
		require.NoError(t, err)
		require.NoError(t, mem.Close())
		defer rest.Close()

		other := newTestMemory(t, Range{Base: 0x0, Size: 0x1000})

		next, err := other.InsertRegion(region)
		require.NoError(t, err)
		defer next.Close()

		assert.False(t, next.IsDirtyTrackingEnabled())
		assert.Nil(t, next.FindRegion(0x10000).DirtyBitmap())
	})
}

func TestGuestMemoryMmap_WithRegions(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t,
		Range{Base: 0x0, Size: 0x1000},
		Range{Base: 0x2000, Size: 0x1000},
		Range{Base: 0x4000, Size: 0x1000},
	)

	var visited []int
	err := mem.WithRegions(func(idx int, _ *GuestRegionMmap) error {
		visited = append(visited, idx)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, visited)

	stop := errors.New("stop")
	visited = nil
	err = mem.WithRegionsMut(func(idx int, r *GuestRegionMmap) error {
		visited = append(visited, idx)
		if r.StartAddr() == 0x2000 {
			return stop
		}

		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, []int{0, 1}, visited)
}

func TestGuestMemoryMmap_MapAndFold(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t,
		Range{Base: 0x0, Size: 0x1000},
		Range{Base: 0x2000, Size: 0x3000},
		Range{Base: 0x8000, Size: 0x2000},
	)

	largest := MapAndFold(mem, 0,
		func(_ int, r *GuestRegionMmap) int { return int(r.Len()) },
		func(acc, v int) int { return max(acc, v) },
	)
	assert.Equal(t, 0x3000, largest)

	assert.Equal(t, GuestUsize(0x6000), mem.TotalSize())
	assert.Equal(t, GuestAddress(0x9fff), mem.LastAddr())

	assert.Equal(t, GuestAddress(0), New().LastAddr())
}

func TestGuestMemoryMmap_AddressHelpers(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, Range{Base: 0x1000, Size: 0x1000}, Range{Base: 0x3000, Size: 0x1000})

	addr, ok := mem.CheckedOffset(0x1000, 0x800)
	require.True(t, ok)
	assert.Equal(t, GuestAddress(0x1800), addr)

	_, ok = mem.CheckedOffset(0x1000, 0x1000)
	assert.False(t, ok)

	_, ok = mem.CheckedOffset(^GuestAddress(0), 1)
	assert.False(t, ok)

	_, ok = mem.CheckAddress(0x3fff)
	assert.True(t, ok)

	assert.False(t, mem.CheckRange(0x1800, 0x1000))
	assert.True(t, mem.CheckRange(0x3000, 0x1000))

	r, off, ok := mem.ToRegionAddr(0x3010)
	require.True(t, ok)
	assert.Equal(t, GuestAddress(0x3000), r.StartAddr())
	assert.Equal(t, MemoryRegionAddress(0x10), off)

	_, _, ok = mem.ToRegionAddr(0x2000)
	assert.False(t, ok)
}

func TestGuestMemoryMmap_GetSlice(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, Range{Base: 0x1000, Size: 0x1000}, Range{Base: 0x2000, Size: 0x1000})

	require.NoError(t, mem.WriteSlice([]byte{7, 8, 9}, 0x1100))

	s, err := mem.GetSlice(0x1100, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, 9}, s)

	ptr, err := mem.GetHostAddress(0x1101)
	require.NoError(t, err)
	assert.Equal(t, byte(8), *(*byte)(ptr))

	// Slices never cross region boundaries.
	_, err = mem.GetSlice(0x1f00, 0x200)
	require.ErrorIs(t, err, ErrInvalidBackendAddress)

	var invalid *InvalidGuestAddressError
	_, err = mem.GetSlice(0x5000, 1)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, GuestAddress(0x5000), invalid.Addr)

	_, err = mem.GetHostAddress(0x0)
	require.ErrorAs(t, err, &invalid)
}

func TestGuestMemoryMmap_CloneKeepsRegionsMapped(t *testing.T) {
	t.Parallel()

	mem, err := FromRanges([]Range{{Base: 0x0, Size: 0x1000}})
	require.NoError(t, err)

	clone := mem.Clone()
	region := clone.FindRegion(0)

	require.NoError(t, mem.Close())
	assert.Zero(t, mem.NumRegions())
	assert.False(t, region.mapping.unmapped.Load())

	require.NoError(t, clone.WriteSlice([]byte{1}, 0))

	require.NoError(t, clone.Close())
	assert.True(t, region.mapping.unmapped.Load())
}
