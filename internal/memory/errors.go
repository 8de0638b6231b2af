package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGuestRegion is returned when a region would overflow the address space
	// or when a region to remove does not match any region exactly.
	ErrInvalidGuestRegion    = errors.New("invalid guest region")
	ErrNoMemoryRegion        = errors.New("no memory region found")
	ErrUnsortedMemoryRegions = errors.New("memory regions are not sorted")
	ErrMemoryRegionOverlap   = errors.New("memory regions overlap")
	// ErrHostAddressNotAvailable is returned for operations that need direct access to the
	// host mapping which the mmap backed regions deliberately do not provide.
	ErrHostAddressNotAvailable = errors.New("host address not available")
	ErrInvalidBackendAddress   = errors.New("invalid backend address")
)

type MmapRegionError struct {
	Err error
}

func (e *MmapRegionError) Error() string {
	return fmt.Sprintf("failed to create mmap region: %s", e.Err)
}

func (e *MmapRegionError) Unwrap() error {
	return e.Err
}

type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("guest memory io error: %s", e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

type PartialBufferError struct {
	Expected  int
	Completed int
}

func (e *PartialBufferError) Error() string {
	return fmt.Sprintf("incomplete transfer: expected %d bytes, completed %d", e.Expected, e.Completed)
}

type InvalidGuestAddressError struct {
	Addr GuestAddress
}

func (e *InvalidGuestAddressError) Error() string {
	return fmt.Sprintf("guest address %s is not backed by any memory region", e.Addr)
}

func outOfRegion(addr MemoryRegionAddress, count int, size uint64) error {
	return fmt.Errorf("%w: offset %#x with length %d is outside of a region of %#x bytes", ErrInvalidBackendAddress, uint64(addr), count, size)
}

func negativeCount(count int) error {
	return fmt.Errorf("%w: negative length %d", ErrInvalidBackendAddress, count)
}
