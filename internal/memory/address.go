package memory

import "fmt"

// GuestUsize is a size in the guest physical address space.
type GuestUsize = uint64

// GuestAddress is an address in the guest physical address space.
type GuestAddress uint64

// MemoryRegionAddress is an offset relative to the start of a single region.
type MemoryRegionAddress uint64

func (a GuestAddress) Raw() uint64 {
	return uint64(a)
}

func (a GuestAddress) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// CheckedAdd returns a+off, or false when the sum overflows the address space.
func (a GuestAddress) CheckedAdd(off uint64) (GuestAddress, bool) {
	sum := uint64(a) + off
	if sum < uint64(a) {
		return 0, false
	}

	return GuestAddress(sum), true
}

// CheckedSub returns a-off, or false when the result would be negative.
func (a GuestAddress) CheckedSub(off uint64) (GuestAddress, bool) {
	if off > uint64(a) {
		return 0, false
	}

	return GuestAddress(uint64(a) - off), true
}

// CheckedOffsetFrom returns the distance from base to a, or false when a is below base.
func (a GuestAddress) CheckedOffsetFrom(base GuestAddress) (uint64, bool) {
	if a < base {
		return 0, false
	}

	return uint64(a - base), true
}

func (a MemoryRegionAddress) Raw() uint64 {
	return uint64(a)
}

func (a MemoryRegionAddress) CheckedAdd(off uint64) (MemoryRegionAddress, bool) {
	sum := uint64(a) + off
	if sum < uint64(a) {
		return 0, false
	}

	return MemoryRegionAddress(sum), true
}
