package memory

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory/bitmap"
)

var (
	_ io.ReaderAt = (*GuestRegionMmap)(nil)
	_ io.WriterAt = (*GuestRegionMmap)(nil)
)

var errRegionReleased = errors.New("guest region released more times than acquired")

// GuestRegionMmap is a contiguous region of guest physical memory backed by a host mapping.
//
// The contents are shared mutable memory: concurrent readers and writers are allowed and
// races between them are the guest's business. The base address and the mapping never
// change after construction.
//
// Regions are reference counted. The region returned by NewGuestRegionMmap holds one
// reference owned by the caller; every collection holding the region owns another one.
// The mapping is released together with the last reference.
type GuestRegionMmap struct {
	mapping   *MmapRegion
	guestBase GuestAddress

	dirtyBitmap atomic.Pointer[bitmap.Bitmap]
	refs        atomic.Int64
}

// NewGuestRegionMmap creates a region for the mapping placed at guestBase.
// On error the caller keeps the ownership of the mapping.
func NewGuestRegionMmap(mapping *MmapRegion, guestBase GuestAddress) (*GuestRegionMmap, error) {
	if _, ok := guestBase.CheckedAdd(mapping.Size()); !ok {
		return nil, fmt.Errorf("%w: region at %s with size %#x overflows the address space", ErrInvalidGuestRegion, guestBase, mapping.Size())
	}

	r := &GuestRegionMmap{
		mapping:   mapping,
		guestBase: guestBase,
	}
	r.refs.Store(1)

	return r, nil
}

// Acquire takes another reference to the region.
func (r *GuestRegionMmap) Acquire() *GuestRegionMmap {
	r.refs.Add(1)

	return r
}

// Release drops a reference and unmaps the memory once no references are left.
func (r *GuestRegionMmap) Release() error {
	left := r.refs.Add(-1)

	switch {
	case left == 0:
		return r.mapping.Unmap()
	case left < 0:
		return errRegionReleased
	}

	return nil
}

// isShared reports whether references other than the caller's exist.
func (r *GuestRegionMmap) isShared() bool {
	return r.refs.Load() > 1
}

// EnableDirtyPageTracking gives the region its own dirty page bitmap.
// Calling it on a region that already tracks dirty pages does nothing.
//
// It panics when the host page size cannot be determined.
func (r *GuestRegionMmap) EnableDirtyPageTracking() {
	if r.dirtyBitmap.Load() != nil {
		return
	}

	b, err := bitmap.New(r.Len(), hostPageSize())
	if err != nil {
		panic(fmt.Sprintf("failed to enable dirty page tracking: %s", err))
	}

	r.dirtyBitmap.CompareAndSwap(nil, b)
}

func (r *GuestRegionMmap) disableDirtyPageTracking() {
	r.dirtyBitmap.Store(nil)
}

// DirtyBitmap returns the dirty page bitmap, or nil when tracking is disabled.
func (r *GuestRegionMmap) DirtyBitmap() *bitmap.Bitmap {
	return r.dirtyBitmap.Load()
}

// MarkDirtyPages marks the pages covering [start, start+length) as dirty.
func (r *GuestRegionMmap) MarkDirtyPages(start, length uint64) {
	if b := r.dirtyBitmap.Load(); b != nil {
		b.SetAddrRange(start, length)
	}
}

func (r *GuestRegionMmap) Len() GuestUsize {
	return r.mapping.Size()
}

func (r *GuestRegionMmap) StartAddr() GuestAddress {
	return r.guestBase
}

// LastAddr returns the last address inside the region.
func (r *GuestRegionMmap) LastAddr() GuestAddress {
	return r.guestBase + GuestAddress(r.Len()) - 1
}

func (r *GuestRegionMmap) FileOffset() *FileOffset {
	return r.mapping.FileOffset()
}

// Mapping returns the host mapping backing the region.
func (r *GuestRegionMmap) Mapping() *MmapRegion {
	return r.mapping
}

// CheckAddress returns addr if it is inside the region.
func (r *GuestRegionMmap) CheckAddress(addr MemoryRegionAddress) (MemoryRegionAddress, bool) {
	if !r.AddressInRange(addr) {
		return 0, false
	}

	return addr, true
}

func (r *GuestRegionMmap) AddressInRange(addr MemoryRegionAddress) bool {
	return uint64(addr) < r.Len()
}

// CheckedOffset returns base+offset if the result is inside the region.
func (r *GuestRegionMmap) CheckedOffset(base MemoryRegionAddress, offset uint64) (MemoryRegionAddress, bool) {
	addr, ok := base.CheckedAdd(offset)
	if !ok {
		return 0, false
	}

	return r.CheckAddress(addr)
}

// ToRegionAddr translates a guest address into an offset inside the region.
func (r *GuestRegionMmap) ToRegionAddr(addr GuestAddress) (MemoryRegionAddress, bool) {
	off, ok := addr.CheckedOffsetFrom(r.guestBase)
	if !ok {
		return 0, false
	}

	return r.CheckAddress(MemoryRegionAddress(off))
}

// GetSlice returns the mapped memory for [offset, offset+count).
//
// The slice aliases guest memory: it must not be used after the region is released,
// and its contents can change under the caller at any time.
func (r *GuestRegionMmap) GetSlice(offset MemoryRegionAddress, count int) ([]byte, error) {
	if count < 0 {
		return nil, outOfRegion(offset, count, r.Len())
	}

	end, ok := offset.CheckedAdd(uint64(count))
	if !ok || uint64(end) > r.Len() {
		return nil, outOfRegion(offset, count, r.Len())
	}

	return r.mapping.bytes()[offset:end:end], nil
}

// AsSlice exposes the whole mapping. Same aliasing rules as GetSlice apply.
func (r *GuestRegionMmap) AsSlice() []byte {
	s, _ := r.GetSlice(0, int(r.Len()))

	return s
}

// GetHostAddress returns the host pointer of the given offset.
func (r *GuestRegionMmap) GetHostAddress(offset MemoryRegionAddress) (unsafe.Pointer, error) {
	s, err := r.GetSlice(offset, 1)
	if err != nil {
		return nil, err
	}

	return unsafe.Pointer(&s[0]), nil
}

// Write copies as much of buf as fits into the region at addr and returns the number of bytes written.
// Only the written bytes are marked dirty.
func (r *GuestRegionMmap) Write(buf []byte, addr MemoryRegionAddress) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if !r.AddressInRange(addr) {
		return 0, outOfRegion(addr, len(buf), r.Len())
	}

	n := copy(r.mapping.bytes()[addr:], buf)
	r.MarkDirtyPages(uint64(addr), uint64(n))

	return n, nil
}

// Read copies as much of the region starting at addr as fits into buf.
func (r *GuestRegionMmap) Read(buf []byte, addr MemoryRegionAddress) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if !r.AddressInRange(addr) {
		return 0, outOfRegion(addr, len(buf), r.Len())
	}

	return copy(buf, r.mapping.bytes()[addr:]), nil
}

// WriteSlice writes the whole buf at addr or fails with *PartialBufferError.
// Bytes that were written before the failure stay written and are marked dirty.
func (r *GuestRegionMmap) WriteSlice(buf []byte, addr MemoryRegionAddress) error {
	n, err := r.Write(buf, addr)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return &PartialBufferError{Expected: len(buf), Completed: n}
	}

	return nil
}

// ReadSlice fills the whole buf from addr or fails with *PartialBufferError.
func (r *GuestRegionMmap) ReadSlice(buf []byte, addr MemoryRegionAddress) error {
	n, err := r.Read(buf, addr)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return &PartialBufferError{Expected: len(buf), Completed: n}
	}

	return nil
}

func (r *GuestRegionMmap) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, outOfRegion(MemoryRegionAddress(off), len(p), r.Len())
	}

	if len(p) > 0 && uint64(off) >= r.Len() {
		return 0, io.EOF
	}

	n, err := r.Read(p, MemoryRegionAddress(off))
	if err != nil {
		return n, err
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (r *GuestRegionMmap) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, outOfRegion(MemoryRegionAddress(off), len(p), r.Len())
	}

	n, err := r.Write(p, MemoryRegionAddress(off))
	if err != nil {
		return n, err
	}

	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// AtomicStore is not supported on mmap backed regions.
func (r *GuestRegionMmap) AtomicStore(_ uint64, _ MemoryRegionAddress) error {
	return ErrHostAddressNotAvailable
}

// AtomicLoad is not supported on mmap backed regions.
func (r *GuestRegionMmap) AtomicLoad(_ MemoryRegionAddress) (uint64, error) {
	return 0, ErrHostAddressNotAvailable
}
