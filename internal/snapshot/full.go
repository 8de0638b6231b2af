package snapshot

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory"
)

// DumpFull writes the contents of every region to out in address order and returns the bytes written.
// Gaps between regions are not represented in the output.
func DumpFull(ctx context.Context, mem *memory.GuestMemoryMmap, out io.Writer) (int64, error) {
	_, span := tracer.Start(ctx, "dump-full", trace.WithAttributes(
		attribute.Int64("size", int64(mem.TotalSize())),
	))
	defer span.End()

	var written int64

	err := mem.WithRegions(func(_ int, region *memory.GuestRegionMmap) error {
		err := mem.WriteAllToStream(region.StartAddr(), out, int(region.Len()))
		if err != nil {
			return fmt.Errorf("error dumping region %s: %w", region.StartAddr(), err)
		}

		written += int64(region.Len())

		return nil
	})
	if err != nil {
		span.RecordError(err)

		return written, err
	}

	return written, nil
}

// LoadFull fills every region from in, which holds the regions back to back as written by DumpFull.
func LoadFull(ctx context.Context, mem *memory.GuestMemoryMmap, in io.Reader) error {
	_, span := tracer.Start(ctx, "load-full", trace.WithAttributes(
		attribute.Int64("size", int64(mem.TotalSize())),
	))
	defer span.End()

	err := mem.WithRegionsMut(func(_ int, region *memory.GuestRegionMmap) error {
		err := mem.ReadExactFromStream(region.StartAddr(), in, int(region.Len()))
		if err != nil {
			return fmt.Errorf("error loading region %s: %w", region.StartAddr(), err)
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)

		return err
	}

	return nil
}
