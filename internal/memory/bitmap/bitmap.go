package bitmap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

const wordBits = 64

var ErrInvalidPageSize = errors.New("page size must be a positive power of two")

// Bitmap tracks written pages over a byte range, one bit per page.
//
// Marking is done with an atomic OR on the containing word, so writers on the same
// page (or on pages sharing a word) never lose updates.
type Bitmap struct {
	words    []atomic.Uint64
	size     uint64
	pageSize uint64
}

func New(byteLength, pageSize uint64) (*Bitmap, error) {
	if pageSize == 0 || bits.OnesCount64(pageSize) != 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}

	size := TotalPages(byteLength, pageSize)

	return &Bitmap{
		words:    make([]atomic.Uint64, (size+wordBits-1)/wordBits),
		size:     size,
		pageSize: pageSize,
	}, nil
}

// Len returns the number of pages tracked.
func (b *Bitmap) Len() uint64 {
	return b.size
}

func (b *Bitmap) PageSize() uint64 {
	return b.pageSize
}

// SetAddrRange marks every page touched by [start, start+length) as dirty.
// Pages past the end of the bitmap are ignored.
func (b *Bitmap) SetAddrRange(start, length uint64) {
	if length == 0 || b.size == 0 {
		return
	}

	first := PageIdx(start, b.pageSize)
	if first >= b.size {
		return
	}

	end := start + length - 1
	if end < start {
		// The range wraps around, clamp to the last page.
		end = ^uint64(0)
	}

	last := min(PageIdx(end, b.pageSize), b.size-1)

	for idx := first; idx <= last; {
		word := idx / wordBits
		lo := idx % wordBits
		hi := min(last-word*wordBits, wordBits-1)

		b.words[word].Or(maskBetween(lo, hi))

		idx = (word + 1) * wordBits
	}
}

// IsBitSet reports whether the page with the given index is dirty.
func (b *Bitmap) IsBitSet(idx uint64) bool {
	if idx >= b.size {
		return false
	}

	return b.words[idx/wordBits].Load()&(1<<(idx%wordBits)) != 0
}

// IsAddrSet reports whether the page containing the byte offset is dirty.
func (b *Bitmap) IsAddrSet(offset uint64) bool {
	return b.IsBitSet(PageIdx(offset, b.pageSize))
}

// Snapshot returns a copy of the dirty pages without clearing them.
func (b *Bitmap) Snapshot() *bitset.BitSet {
	words := make([]uint64, len(b.words))
	for i := range b.words {
		words[i] = b.words[i].Load()
	}

	return bitset.FromWithLength(uint(b.size), words)
}

// Drain clears the bitmap and returns the pages that were dirty.
// Each word is swapped atomically, so marks racing with Drain end up either in the
// returned set or in the bitmap, never in neither.
func (b *Bitmap) Drain() *bitset.BitSet {
	words := make([]uint64, len(b.words))
	for i := range b.words {
		words[i] = b.words[i].Swap(0)
	}

	return bitset.FromWithLength(uint(b.size), words)
}

func (b *Bitmap) Reset() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// maskBetween returns a word with bits lo..hi (inclusive) set.
func maskBetween(lo, hi uint64) uint64 {
	width := hi - lo + 1
	if width == wordBits {
		return ^uint64(0)
	}

	return ((uint64(1) << width) - 1) << lo
}
