package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/bits-and-blooms/bitset"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory/bitmap"
)

const (
	metadataMagic   uint32 = 0x564d4446 // "VMDF"
	metadataVersion uint32 = 1

	// MaxRegions bounds the region count accepted by Deserialize.
	MaxRegions = 1 << 16

	// readChunkWords is how many bitset words Deserialize reads at once.
	readChunkWords = 1024
)

var ErrInvalidMetadata = errors.New("invalid diff metadata")

// RegionDiff describes the changes of one region since the previous export.
// Dirty pages are stored in the diff in ascending order; Empty pages were found zeroed
// and are not stored.
type RegionDiff struct {
	Start memory.GuestAddress
	Size  uint64

	Dirty *bitset.BitSet
	Empty *bitset.BitSet
}

type DiffMetadata struct {
	PageSize uint64
	Regions  []RegionDiff
}

// pageBounds returns the offset and length of page idx inside a region of size bytes.
// The last page of a region is shorter when the size is not page aligned.
func pageBounds(idx uint, pageSize, size uint64) (uint64, uint64) {
	off := uint64(idx) * pageSize

	return off, min(pageSize, size-off)
}

// DirtyPages returns the number of pages stored in the diff.
func (d *DiffMetadata) DirtyPages() uint {
	var total uint
	for _, r := range d.Regions {
		total += r.Dirty.Count()
	}

	return total
}

// EmptyPages returns the number of changed pages that were zero.
func (d *DiffMetadata) EmptyPages() uint {
	var total uint
	for _, r := range d.Regions {
		total += r.Empty.Count()
	}

	return total
}

// DiffSize returns the number of bytes the diff stream holds.
func (d *DiffMetadata) DiffSize() uint64 {
	var total uint64
	for _, r := range d.Regions {
		for idx, ok := r.Dirty.NextSet(0); ok; idx, ok = r.Dirty.NextSet(idx + 1) {
			_, length := pageBounds(idx, d.PageSize, r.Size)
			total += length
		}
	}

	return total
}

// Ranges returns the changed guest memory, dirty and empty pages together, coalesced into runs.
func (d *DiffMetadata) Ranges() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		for _, r := range d.Regions {
			changed := r.Dirty.Union(r.Empty)

			for run := range bitsetRuns(changed) {
				off, _ := pageBounds(run.start, d.PageSize, r.Size)
				end := min(uint64(run.start+run.count)*d.PageSize, r.Size)

				if !yield(Range{Start: r.Start + memory.GuestAddress(off), Size: end - off}) {
					return
				}
			}
		}
	}
}

// Serialize writes the metadata in a little endian binary layout.
func (d *DiffMetadata) Serialize(w io.Writer) error {
	head := []any{metadataMagic, metadataVersion, d.PageSize, uint64(len(d.Regions))}
	for _, v := range head {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("error writing metadata header: %w", err)
		}
	}

	for _, r := range d.Regions {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{r.Start.Raw(), r.Size}); err != nil {
			return fmt.Errorf("error writing region %s: %w", r.Start, err)
		}

		if _, err := r.Dirty.WriteTo(w); err != nil {
			return fmt.Errorf("error writing dirty pages of region %s: %w", r.Start, err)
		}

		if _, err := r.Empty.WriteTo(w); err != nil {
			return fmt.Errorf("error writing empty pages of region %s: %w", r.Start, err)
		}
	}

	return nil
}

// Deserialize reads metadata written by Serialize.
func Deserialize(r io.Reader) (*DiffMetadata, error) {
	var head struct {
		Magic    uint32
		Version  uint32
		PageSize uint64
		Regions  uint64
	}

	if err := binary.Read(r, binary.LittleEndian, &head); err != nil {
		return nil, fmt.Errorf("error reading metadata header: %w", err)
	}

	if head.Magic != metadataMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrInvalidMetadata, head.Magic)
	}

	if head.Version != metadataVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidMetadata, head.Version)
	}

	if head.PageSize == 0 || head.PageSize&(head.PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d", ErrInvalidMetadata, head.PageSize)
	}

	if head.Regions > MaxRegions {
		return nil, fmt.Errorf("%w: %d regions, at most %d are supported", ErrInvalidMetadata, head.Regions, MaxRegions)
	}

	d := &DiffMetadata{PageSize: head.PageSize}

	for i := range head.Regions {
		var bounds [2]uint64
		if err := binary.Read(r, binary.LittleEndian, &bounds); err != nil {
			return nil, fmt.Errorf("error reading region %d: %w", i, err)
		}

		start := memory.GuestAddress(bounds[0])
		if _, ok := start.CheckedAdd(bounds[1]); !ok || bounds[1] == 0 {
			return nil, fmt.Errorf("%w: region %s with size %#x", ErrInvalidMetadata, start, bounds[1])
		}

		pages := bitmap.TotalPages(bounds[1], head.PageSize)

		dirty, err := readPages(r, pages)
		if err != nil {
			return nil, fmt.Errorf("error reading dirty pages of region %s: %w", start, err)
		}

		empty, err := readPages(r, pages)
		if err != nil {
			return nil, fmt.Errorf("error reading empty pages of region %s: %w", start, err)
		}

		rd := RegionDiff{
			Start: start,
			Size:  bounds[1],
			Dirty: dirty,
			Empty: empty,
		}

		d.Regions = append(d.Regions, rd)
	}

	return d, nil
}

// readPages reads a bitset written by BitSet.WriteTo that describes at most maxPages pages.
// Memory is allocated as the words arrive, so a corrupt length cannot force a large allocation.
func readPages(r io.Reader, maxPages uint64) (*bitset.BitSet, error) {
	var length uint64
	if err := binary.Read(r, bitset.BinaryOrder(), &length); err != nil {
		return nil, err
	}

	if length > maxPages {
		return nil, fmt.Errorf("%w: %d pages in a region of %d pages", ErrInvalidMetadata, length, maxPages)
	}

	needed := int((length + 63) / 64)
	words := make([]uint64, 0, min(needed, readChunkWords))

	for len(words) < needed {
		chunk := make([]uint64, min(needed-len(words), readChunkWords))
		if err := binary.Read(r, bitset.BinaryOrder(), chunk); err != nil {
			return nil, err
		}

		words = append(words, chunk...)
	}

	return bitset.FromWithLength(uint(length), words), nil
}
