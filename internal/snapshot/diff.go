package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bitset"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory/bitmap"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory/metrics"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/vm-memory/internal/snapshot")

var (
	ErrDirtyTrackingDisabled = errors.New("dirty page tracking is disabled")
	ErrLayoutMismatch        = errors.New("memory layout does not match the diff")
)

// ExportDirty writes the pages dirtied since the previous export to out and clears their dirty bits.
//
// Regions are visited in address order and their dirty pages in ascending order. Zero pages
// are not written, only recorded as empty. If writing fails, every drained page is marked
// dirty again so the next export picks it up.
func ExportDirty(ctx context.Context, mem *memory.GuestMemoryMmap, out io.Writer, m metrics.Metrics) (meta *DiffMetadata, e error) {
	ctx, span := tracer.Start(ctx, "export-dirty", trace.WithAttributes(
		attribute.Int("regions", mem.NumRegions()),
	))
	defer func() {
		if e != nil {
			span.RecordError(e)
			span.SetStatus(codes.Error, "failed to export dirty pages")
		}

		span.End()
	}()

	if !mem.IsDirtyTrackingEnabled() {
		return nil, ErrDirtyTrackingDisabled
	}

	stopwatch := m.Begin(m.ExportDuration)

	meta = &DiffMetadata{}
	var exported []*memory.GuestRegionMmap

	err := mem.WithRegions(func(_ int, region *memory.GuestRegionMmap) error {
		rd, err := exportRegion(region, out)
		if err != nil {
			return fmt.Errorf("error exporting region %s: %w", region.StartAddr(), err)
		}

		exported = append(exported, region)
		meta.PageSize = region.DirtyBitmap().PageSize()
		meta.Regions = append(meta.Regions, rd)

		return nil
	})
	if err != nil {
		for i, region := range exported {
			requeue(region, meta.Regions[i].Dirty, meta.Regions[i].Empty)
		}

		return nil, err
	}

	stopwatch.End(ctx)
	m.ExportedPages.Add(ctx, int64(meta.DirtyPages()+meta.EmptyPages()))

	span.SetAttributes(
		attribute.Int64("dirty_pages", int64(meta.DirtyPages())),
		attribute.Int64("empty_pages", int64(meta.EmptyPages())),
	)

	return meta, nil
}

func exportRegion(region *memory.GuestRegionMmap, out io.Writer) (RegionDiff, error) {
	b := region.DirtyBitmap()
	pageSize := b.PageSize()
	size := region.Len()

	dirty := b.Drain()
	empty := bitset.New(dirty.Len())
	zero := make([]byte, pageSize)

	for idx, ok := dirty.NextSet(0); ok; idx, ok = dirty.NextSet(idx + 1) {
		off, length := pageBounds(idx, pageSize, size)

		page, err := region.GetSlice(memory.MemoryRegionAddress(off), int(length))
		if err != nil {
			requeue(region, dirty, empty)

			return RegionDiff{}, err
		}

		// Zero pages are restored without data.
		if bytes.Equal(page, zero[:length]) {
			dirty.Clear(idx)
			empty.Set(idx)

			continue
		}

		err = region.WriteAllToStream(memory.MemoryRegionAddress(off), out, int(length))
		if err != nil {
			requeue(region, dirty, empty)

			return RegionDiff{}, err
		}
	}

	return RegionDiff{
		Start: region.StartAddr(),
		Size:  size,
		Dirty: dirty,
		Empty: empty,
	}, nil
}

// requeue marks the drained pages dirty again.
func requeue(region *memory.GuestRegionMmap, sets ...*bitset.BitSet) {
	b := region.DirtyBitmap()
	if b == nil {
		return
	}

	for _, set := range sets {
		for run := range bitsetRuns(set) {
			region.MarkDirtyPages(uint64(run.start)*b.PageSize(), uint64(run.count)*b.PageSize())
		}
	}
}

// ApplyDiff restores the pages described by meta from diff, a stream produced by ExportDirty.
// The regions of mem have to match the regions in meta exactly.
func ApplyDiff(ctx context.Context, mem *memory.GuestMemoryMmap, meta *DiffMetadata, diff io.Reader) (e error) {
	_, span := tracer.Start(ctx, "apply-diff", trace.WithAttributes(
		attribute.Int64("dirty_pages", int64(meta.DirtyPages())),
	))
	defer func() {
		if e != nil {
			span.RecordError(e)
			span.SetStatus(codes.Error, "failed to apply diff")
		}

		span.End()
	}()

	if len(meta.Regions) > 0 && (meta.PageSize == 0 || meta.PageSize&(meta.PageSize-1) != 0) {
		return fmt.Errorf("%w: page size %d", ErrInvalidMetadata, meta.PageSize)
	}

	zero := make([]byte, meta.PageSize)

	for _, rd := range meta.Regions {
		region := mem.FindRegion(rd.Start)
		if region == nil || region.StartAddr() != rd.Start || region.Len() != rd.Size {
			return fmt.Errorf("%w: no region at %s with size %#x", ErrLayoutMismatch, rd.Start, rd.Size)
		}

		if last := max(rd.Dirty.Len(), rd.Empty.Len()); uint64(last) > bitmap.TotalPages(rd.Size, meta.PageSize) {
			return fmt.Errorf("%w: region %s has %d pages, diff describes %d", ErrInvalidMetadata, rd.Start, bitmap.TotalPages(rd.Size, meta.PageSize), last)
		}

		for idx, ok := rd.Dirty.NextSet(0); ok; idx, ok = rd.Dirty.NextSet(idx + 1) {
			off, length := pageBounds(idx, meta.PageSize, rd.Size)

			err := region.ReadExactFromStream(memory.MemoryRegionAddress(off), diff, int(length))
			if err != nil {
				return fmt.Errorf("error restoring page %d of region %s: %w", idx, rd.Start, err)
			}
		}

		for idx, ok := rd.Empty.NextSet(0); ok; idx, ok = rd.Empty.NextSet(idx + 1) {
			off, length := pageBounds(idx, meta.PageSize, rd.Size)

			err := region.WriteSlice(zero[:length], memory.MemoryRegionAddress(off))
			if err != nil {
				return fmt.Errorf("error zeroing page %d of region %s: %w", idx, rd.Start, err)
			}
		}
	}

	return nil
}
