package snapshot

import (
	"iter"

	"github.com/bits-and-blooms/bitset"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory"
)

// Range is a run of guest physical memory.
type Range struct {
	// Start is inclusive.
	Start memory.GuestAddress
	Size  uint64
}

func (r Range) End() memory.GuestAddress {
	return r.Start + memory.GuestAddress(r.Size)
}

// pageRun is a run of set bits: the index of the first one and how many follow.
type pageRun struct {
	start uint
	count uint
}

// bitsetRuns returns the runs of set bits of the bitset in ascending order.
func bitsetRuns(b *bitset.BitSet) iter.Seq[pageRun] {
	return func(yield func(pageRun) bool) {
		start, ok := b.NextSet(0)

		for ok {
			end, endOk := b.NextClear(start)
			if !endOk {
				yield(pageRun{start: start, count: b.Len() - start})

				return
			}

			if !yield(pageRun{start: start, count: end - start}) {
				return
			}

			start, ok = b.NextSet(end + 1)
		}
	}
}

// GetSize returns the combined size of the ranges in bytes.
func GetSize(rs []Range) (size uint64) {
	for _, r := range rs {
		size += r.Size
	}

	return size
}
