package memory

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

var (
	ErrInvalidMappingSize = errors.New("invalid mapping size")
	ErrMappingOverflow    = errors.New("file offset and size overflow")
	ErrMappingPastEOF     = errors.New("mapping extends past the end of the file")
	ErrMappingUnaligned   = errors.New("file offset is not page aligned")
)

// FileOffset is a file and the offset inside it that backs a mapping.
type FileOffset struct {
	File  *os.File
	Start uint64
}

// MmapRegion is a host memory mapping, either anonymous or backed by a file.
type MmapRegion struct {
	mapping    mmap.MMap
	fileOffset *FileOffset
	unmapped   atomic.Bool
}

// NewMmapRegion creates an anonymous private read/write mapping of the given size.
func NewMmapRegion(size int) (*MmapRegion, error) {
	if size <= 0 {
		return nil, &MmapRegionError{Err: fmt.Errorf("%w: %d", ErrInvalidMappingSize, size)}
	}

	m, err := mmap.MapRegion(nil, size, mmap.COPY, mmap.ANON, 0)
	if err != nil {
		return nil, &MmapRegionError{Err: fmt.Errorf("error mapping anonymous memory: %w", err)}
	}

	return &MmapRegion{mapping: m}, nil
}

// NewMmapRegionFromFile creates a shared read/write mapping of size bytes of fo.File starting at fo.Start.
// Writes through the mapping end up in the file.
func NewMmapRegionFromFile(fo FileOffset, size int) (*MmapRegion, error) {
	if size <= 0 {
		return nil, &MmapRegionError{Err: fmt.Errorf("%w: %d", ErrInvalidMappingSize, size)}
	}

	err := checkFileOffset(fo, size)
	if err != nil {
		return nil, &MmapRegionError{Err: err}
	}

	m, err := mmap.MapRegion(fo.File, size, mmap.RDWR, 0, int64(fo.Start))
	if err != nil {
		return nil, &MmapRegionError{Err: fmt.Errorf("error mapping file %s: %w", fo.File.Name(), err)}
	}

	return &MmapRegion{
		mapping:    m,
		fileOffset: &fo,
	}, nil
}

func checkFileOffset(fo FileOffset, size int) error {
	if fo.File == nil {
		return errors.New("file offset has no file")
	}

	if fo.Start%hostPageSize() != 0 {
		return fmt.Errorf("%w: offset %#x, page size %#x", ErrMappingUnaligned, fo.Start, hostPageSize())
	}

	end := fo.Start + uint64(size)
	if end < fo.Start || end > math.MaxInt64 {
		return fmt.Errorf("%w: offset %d, size %d", ErrMappingOverflow, fo.Start, size)
	}

	info, err := fo.File.Stat()
	if err != nil {
		return fmt.Errorf("error getting file info: %w", err)
	}

	if uint64(info.Size()) < end {
		return fmt.Errorf("%w: file %s has %d bytes, mapping needs %d", ErrMappingPastEOF, fo.File.Name(), info.Size(), end)
	}

	return nil
}

// Len returns the length of the mapping in bytes.
func (m *MmapRegion) Len() int {
	return len(m.mapping)
}

// Size returns the size of the mapping in bytes. It is the same as Len.
func (m *MmapRegion) Size() uint64 {
	return uint64(len(m.mapping))
}

func (m *MmapRegion) FileOffset() *FileOffset {
	return m.fileOffset
}

func (m *MmapRegion) bytes() []byte {
	return m.mapping
}

// Flush synchronizes a file backed mapping with its file.
func (m *MmapRegion) Flush() error {
	err := m.mapping.Flush()
	if err != nil {
		return fmt.Errorf("error flushing mapping: %w", err)
	}

	return nil
}

// Unmap releases the host mapping. Any further access to the region is invalid.
func (m *MmapRegion) Unmap() error {
	if !m.unmapped.CompareAndSwap(false, true) {
		return nil
	}

	err := m.mapping.Unmap()
	if err != nil {
		return fmt.Errorf("error unmapping memory: %w", err)
	}

	return nil
}
