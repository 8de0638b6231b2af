package memory

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"unsafe"
)

// Range describes an anonymous region to allocate at Base.
type Range struct {
	Base GuestAddress
	Size int
}

// FileRange describes a region to allocate at Base, backed by FileOffset when it is set.
type FileRange struct {
	Base       GuestAddress
	Size       int
	FileOffset *FileOffset
}

// GuestMemoryMmap is the whole guest physical memory: a sorted set of non-overlapping regions.
//
// A collection is never modified after construction. InsertRegion and RemoveRegion return
// a new collection sharing the untouched regions, so holders of the old one are not affected.
// Each collection owns a reference to each of its regions; call Close when done with it.
type GuestMemoryMmap struct {
	regions []*GuestRegionMmap
}

// New returns an empty collection.
func New() *GuestMemoryMmap {
	return &GuestMemoryMmap{}
}

// FromRanges allocates anonymous memory for every range.
func FromRanges(ranges []Range) (*GuestMemoryMmap, error) {
	return FromRangesWithFiles(toFileRanges(ranges), false)
}

// FromRangesWithTracking allocates anonymous memory for every range and enables dirty page tracking.
func FromRangesWithTracking(ranges []Range) (*GuestMemoryMmap, error) {
	return FromRangesWithFiles(toFileRanges(ranges), true)
}

func toFileRanges(ranges []Range) []FileRange {
	out := make([]FileRange, len(ranges))
	for i, r := range ranges {
		out[i] = FileRange{Base: r.Base, Size: r.Size}
	}

	return out
}

// FromRangesWithFiles maps every range, anonymously or from its file, and assembles the collection.
func FromRangesWithFiles(ranges []FileRange, trackDirtyPages bool) (*GuestMemoryMmap, error) {
	regions := make([]*GuestRegionMmap, 0, len(ranges))

	for _, rng := range ranges {
		var mapping *MmapRegion
		var err error

		if rng.FileOffset != nil {
			mapping, err = NewMmapRegionFromFile(*rng.FileOffset, rng.Size)
		} else {
			mapping, err = NewMmapRegion(rng.Size)
		}

		if err != nil {
			return nil, errors.Join(err, releaseAll(regions))
		}

		region, err := NewGuestRegionMmap(mapping, rng.Base)
		if err != nil {
			return nil, errors.Join(err, mapping.Unmap(), releaseAll(regions))
		}

		if trackDirtyPages {
			region.EnableDirtyPageTracking()
		}

		regions = append(regions, region)
	}

	return FromRegions(regions)
}

// FromRegions builds a collection that takes over the caller's references to the regions.
// The regions are released when the collection cannot be built.
func FromRegions(regions []*GuestRegionMmap) (*GuestMemoryMmap, error) {
	m, err := FromArcRegions(regions)

	return m, errors.Join(err, releaseAll(regions))
}

// FromArcRegions builds a collection sharing the regions with the caller.
// The regions must be sorted by start address and must not overlap.
func FromArcRegions(regions []*GuestRegionMmap) (*GuestMemoryMmap, error) {
	err := validateRegions(regions)
	if err != nil {
		return nil, err
	}

	return newShared(regions), nil
}

func validateRegions(regions []*GuestRegionMmap) error {
	if len(regions) == 0 {
		return ErrNoMemoryRegion
	}

	for i := 1; i < len(regions); i++ {
		prev, next := regions[i-1], regions[i]

		if prev.StartAddr() > next.StartAddr() {
			return fmt.Errorf("%w: region at %s comes after region at %s", ErrUnsortedMemoryRegions, next.StartAddr(), prev.StartAddr())
		}

		if prev.LastAddr() >= next.StartAddr() {
			return fmt.Errorf("%w: region [%s, %s] overlaps region starting at %s", ErrMemoryRegionOverlap, prev.StartAddr(), prev.LastAddr(), next.StartAddr())
		}
	}

	return nil
}

// newShared creates a collection holding its own references to regions.
func newShared(regions []*GuestRegionMmap) *GuestMemoryMmap {
	shared := make([]*GuestRegionMmap, len(regions))
	for i, r := range regions {
		shared[i] = r.Acquire()
	}

	return &GuestMemoryMmap{regions: shared}
}

func releaseAll(regions []*GuestRegionMmap) error {
	var errs []error
	for _, r := range regions {
		errs = append(errs, r.Release())
	}

	return errors.Join(errs...)
}

// InsertRegion returns a new collection that additionally contains region.
// The region's dirty tracking is switched to match the collection's. A region still held by
// another collection is rejected when its tracking differs, since switching it would change
// that collection too. The caller's reference to region is taken over, also when the insertion fails.
func (m *GuestMemoryMmap) InsertRegion(region *GuestRegionMmap) (*GuestMemoryMmap, error) {
	tracked := m.IsDirtyTrackingEnabled()
	if (region.DirtyBitmap() != nil) != tracked && region.isShared() {
		err := fmt.Errorf("%w: region at %s is shared and its dirty tracking does not match the collection", ErrInvalidGuestRegion, region.StartAddr())

		return nil, errors.Join(err, region.Release())
	}

	if tracked {
		region.EnableDirtyPageTracking()
	} else {
		region.disableDirtyPageTracking()
	}

	regions := append(slices.Clone(m.regions), region)
	slices.SortStableFunc(regions, func(a, b *GuestRegionMmap) int {
		return cmp.Compare(a.StartAddr(), b.StartAddr())
	})

	next, err := FromArcRegions(regions)

	return next, errors.Join(err, region.Release())
}

// RemoveRegion returns a new collection without the region that starts at base and has exactly size bytes,
// together with the removed region. The caller owns a reference to the removed region and has to release it.
func (m *GuestMemoryMmap) RemoveRegion(base GuestAddress, size GuestUsize) (*GuestMemoryMmap, *GuestRegionMmap, error) {
	idx, found := m.search(base)
	if !found || m.regions[idx].Len() != size {
		return nil, nil, fmt.Errorf("%w: no region at %s with size %#x", ErrInvalidGuestRegion, base, size)
	}

	removed := m.regions[idx].Acquire()
	regions := slices.Delete(slices.Clone(m.regions), idx, idx+1)

	return newShared(regions), removed, nil
}

func (m *GuestMemoryMmap) search(addr GuestAddress) (int, bool) {
	return slices.BinarySearchFunc(m.regions, addr, func(r *GuestRegionMmap, target GuestAddress) int {
		return cmp.Compare(r.StartAddr(), target)
	})
}

// FindRegion returns the region containing addr, or nil when addr is not backed by memory.
func (m *GuestMemoryMmap) FindRegion(addr GuestAddress) *GuestRegionMmap {
	idx, found := m.search(addr)
	if found {
		return m.regions[idx]
	}

	// Within the closest region starting below addr.
	if idx > 0 && addr <= m.regions[idx-1].LastAddr() {
		return m.regions[idx-1]
	}

	return nil
}

func (m *GuestMemoryMmap) NumRegions() int {
	return len(m.regions)
}

// IsDirtyTrackingEnabled reports whether every region tracks dirty pages.
func (m *GuestMemoryMmap) IsDirtyTrackingEnabled() bool {
	for _, r := range m.regions {
		if r.DirtyBitmap() == nil {
			return false
		}
	}

	return true
}

// Regions iterates over the regions in ascending address order.
func (m *GuestMemoryMmap) Regions() iter.Seq2[int, *GuestRegionMmap] {
	return func(yield func(int, *GuestRegionMmap) bool) {
		for i, r := range m.regions {
			if !yield(i, r) {
				return
			}
		}
	}
}

// WithRegions calls cb for every region in ascending address order, stopping at the first error.
func (m *GuestMemoryMmap) WithRegions(cb func(idx int, region *GuestRegionMmap) error) error {
	for i, r := range m.regions {
		if err := cb(i, r); err != nil {
			return err
		}
	}

	return nil
}

// WithRegionsMut is WithRegions for callbacks that modify region contents or keep state between calls.
func (m *GuestMemoryMmap) WithRegionsMut(cb func(idx int, region *GuestRegionMmap) error) error {
	return m.WithRegions(cb)
}

// MapAndFold maps every region with mapf and folds the results with foldf, starting from init.
func MapAndFold[T any](m *GuestMemoryMmap, init T, mapf func(idx int, region *GuestRegionMmap) T, foldf func(acc, v T) T) T {
	acc := init
	for i, r := range m.regions {
		acc = foldf(acc, mapf(i, r))
	}

	return acc
}

// LastAddr returns the highest address backed by memory.
func (m *GuestMemoryMmap) LastAddr() GuestAddress {
	return MapAndFold(m, GuestAddress(0),
		func(_ int, r *GuestRegionMmap) GuestAddress { return r.LastAddr() },
		func(acc, v GuestAddress) GuestAddress { return max(acc, v) },
	)
}

// TotalSize returns the number of bytes of all regions.
func (m *GuestMemoryMmap) TotalSize() GuestUsize {
	return MapAndFold(m, GuestUsize(0),
		func(_ int, r *GuestRegionMmap) GuestUsize { return r.Len() },
		func(acc, v GuestUsize) GuestUsize { return acc + v },
	)
}

func (m *GuestMemoryMmap) AddressInRange(addr GuestAddress) bool {
	return m.FindRegion(addr) != nil
}

// CheckAddress returns addr if it is backed by memory.
func (m *GuestMemoryMmap) CheckAddress(addr GuestAddress) (GuestAddress, bool) {
	return addr, m.AddressInRange(addr)
}

// CheckRange reports whether all of [base, base+length) is backed by memory.
func (m *GuestMemoryMmap) CheckRange(base GuestAddress, length int) bool {
	n, err := m.tryAccess(length, base, func(_, count int, _ MemoryRegionAddress, _ *GuestRegionMmap) (int, error) {
		return count, nil
	})

	return err == nil && n == length
}

// CheckedOffset returns base+offset if the result is backed by memory.
func (m *GuestMemoryMmap) CheckedOffset(base GuestAddress, offset uint64) (GuestAddress, bool) {
	addr, ok := base.CheckedAdd(offset)
	if !ok {
		return 0, false
	}

	return m.CheckAddress(addr)
}

// ToRegionAddr returns the region containing addr and the offset of addr inside it.
func (m *GuestMemoryMmap) ToRegionAddr(addr GuestAddress) (*GuestRegionMmap, MemoryRegionAddress, bool) {
	r := m.FindRegion(addr)
	if r == nil {
		return nil, 0, false
	}

	off, ok := r.ToRegionAddr(addr)

	return r, off, ok
}

// GetHostAddress returns the host pointer backing addr. Same aliasing rules as GuestRegionMmap.GetSlice apply.
func (m *GuestMemoryMmap) GetHostAddress(addr GuestAddress) (unsafe.Pointer, error) {
	r, off, ok := m.ToRegionAddr(addr)
	if !ok {
		return nil, &InvalidGuestAddressError{Addr: addr}
	}

	return r.GetHostAddress(off)
}

// GetSlice returns the mapped memory of [addr, addr+count), which must not cross a region boundary.
func (m *GuestMemoryMmap) GetSlice(addr GuestAddress, count int) ([]byte, error) {
	r, off, ok := m.ToRegionAddr(addr)
	if !ok {
		return nil, &InvalidGuestAddressError{Addr: addr}
	}

	return r.GetSlice(off, count)
}

// Clone returns another handle to the same regions. Both handles have to be closed.
func (m *GuestMemoryMmap) Clone() *GuestMemoryMmap {
	return newShared(m.regions)
}

// Close releases the collection's references to its regions.
// Regions that are not shared with another collection are unmapped.
func (m *GuestMemoryMmap) Close() error {
	regions := m.regions
	m.regions = nil

	return releaseAll(regions)
}
