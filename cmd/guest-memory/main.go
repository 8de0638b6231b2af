//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	hostmem "github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/cfg"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/devices/eventfd"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/logger"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory/metrics"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/snapshot"
)

const serviceName = "guest-memory"

var commitSHA string

func main() {
	load := flag.String("load", "", "full memory image to load before writing")
	pages := flag.Int("pages", 16, "number of pages to dirty")
	stride := flag.Int("stride", 3, "distance between dirtied pages, in pages")
	hotplug := flag.String("hotplug", "", "region to hot-plug as base:size before writing")
	dump := flag.Bool("dump", false, "also write a full memory image")

	flag.Parse()

	ctx := context.Background()

	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %s", err)
	}

	l, err := logger.NewLogger(ctx, logger.LoggerConfig{
		ServiceName:   serviceName,
		CommitSHA:     commitSHA,
		IsDebug:       config.LogDebug,
		ExportOtel:    config.LogExportOtel,
		OutputPath:    config.LogOutput,
		InitialFields: []zap.Field{logger.WithHostPageSize(os.Getpagesize())},
	})
	if err != nil {
		log.Fatalf("failed to create logger: %s", err)
	}
	defer l.Sync()

	err = run(ctx, l, config, options{
		load:    *load,
		pages:   *pages,
		stride:  *stride,
		hotplug: *hotplug,
		dump:    *dump,
	})
	if err != nil {
		l.Error("guest memory run failed", zap.Error(err))
		os.Exit(1)
	}
}

type options struct {
	load    string
	pages   int
	stride  int
	hotplug string
	dump    bool
}

func run(ctx context.Context, l *zap.Logger, config cfg.Config, opts options) (e error) {
	ranges, backing, err := fileRanges(config)
	if err != nil {
		return err
	}

	if backing != nil {
		defer backing.Close()
	}

	var hostAvailable uint64
	if host, err := hostmem.VirtualMemoryWithContext(ctx); err != nil {
		l.Warn("failed to get host memory info", zap.Error(err))
	} else {
		hostAvailable = host.Available

		if requested := requestedSize(config); requested > host.Available {
			l.Warn("guest memory exceeds available host memory",
				zap.String("requested", humanize.IBytes(requested)),
				zap.String("available", humanize.IBytes(host.Available)),
			)
		}
	}

	mem, err := memory.FromRangesWithFiles(ranges, config.TrackDirtyPages)
	if err != nil {
		return fmt.Errorf("failed to create guest memory: %w", err)
	}

	m, err := metrics.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return errors.Join(err, mem.Close())
	}

	evt, err := eventfd.New(eventfd.NonBlock)
	if err != nil {
		return errors.Join(err, mem.Close())
	}

	trigger := eventfd.NewTrigger(evt)
	defer trigger.Close()

	holder := memory.NewGuestMemoryAtomic(ctx, mem,
		memory.WithLogger(l),
		memory.WithMetrics(m),
		memory.WithTrigger(trigger),
	)
	defer func() {
		e = errors.Join(e, holder.Close(ctx))
	}()

	if opts.hotplug != "" {
		err = hotplugRegion(ctx, holder, opts.hotplug)
		if err != nil {
			return err
		}

		changes, err := readChanges(trigger)
		if err != nil {
			return err
		}

		l.Debug("memory layout changed", zap.Uint64("changes", changes))
	}

	view := holder.Load()
	defer view.Close()

	if opts.load != "" {
		err = loadImage(ctx, view, opts.load)
		if err != nil {
			return err
		}
	}

	written, err := writePattern(view, opts.pages, opts.stride)
	if err != nil {
		return err
	}

	if !view.IsDirtyTrackingEnabled() {
		l.Info("dirty page tracking is disabled, skipping diff export", zap.Int("pages", written))

		return nil
	}

	err = os.MkdirAll(config.SnapshotDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	snapshotID := uuid.New().String()
	l = l.With(logger.WithSnapshotID(snapshotID))

	meta, err := exportDiff(ctx, view, m, filepath.Join(config.SnapshotDir, snapshotID))
	if err != nil {
		return err
	}

	var imageSize int64
	if opts.dump {
		imageSize, err = dumpImage(ctx, view, filepath.Join(config.SnapshotDir, snapshotID+".img"))
		if err != nil {
			return err
		}
	}

	l.Info("exported dirty pages", zap.Uint("dirty", meta.DirtyPages()), zap.Uint("empty", meta.EmptyPages()))

	printReport(config, view, snapshotID, meta, report{
		written:       written,
		imageSize:     imageSize,
		hostAvailable: hostAvailable,
	})

	return nil
}

// fileRanges opens the backing file when one is configured and maps the configured ranges onto it.
func fileRanges(config cfg.Config) ([]memory.FileRange, *os.File, error) {
	var backing *os.File

	if config.MemoryBackingFile != "" {
		f, err := os.OpenFile(config.MemoryBackingFile, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open memory backing file: %w", err)
		}

		backing = f
	}

	ranges := make([]memory.FileRange, 0, len(config.GuestMemoryRanges))

	for _, spec := range config.GuestMemoryRanges {
		rng := memory.FileRange{
			Base: memory.GuestAddress(spec.Base),
			Size: int(spec.Size),
		}

		if spec.FileOffset != nil {
			if backing == nil {
				return nil, nil, fmt.Errorf("range %s has a file offset but MEMORY_BACKING_FILE is not set", spec)
			}

			rng.FileOffset = &memory.FileOffset{File: backing, Start: *spec.FileOffset}
		}

		ranges = append(ranges, rng)
	}

	return ranges, backing, nil
}

func requestedSize(config cfg.Config) uint64 {
	var total uint64
	for _, spec := range config.GuestMemoryRanges {
		total += spec.Size
	}

	return total
}

func hotplugRegion(ctx context.Context, holder *memory.GuestMemoryAtomic, raw string) error {
	parsed, err := cfg.ParseRangeSpec(raw)
	if err != nil {
		return err
	}

	spec, ok := parsed.(cfg.RangeSpec)
	if !ok {
		return fmt.Errorf("unexpected range type %T", parsed)
	}

	mapping, err := memory.NewMmapRegion(int(spec.Size))
	if err != nil {
		return err
	}

	region, err := memory.NewGuestRegionMmap(mapping, memory.GuestAddress(spec.Base))
	if err != nil {
		return errors.Join(err, mapping.Unmap())
	}

	return holder.InsertRegion(ctx, region)
}

func readChanges(trigger *eventfd.Trigger) (uint64, error) {
	evt, err := trigger.GetEvent()
	if err != nil {
		return 0, err
	}
	defer evt.Close()

	return evt.Read()
}

func loadImage(ctx context.Context, mem *memory.GuestMemoryMmap, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open memory image: %w", err)
	}
	defer f.Close()

	return snapshot.LoadFull(ctx, mem, f)
}

// writePattern stores the page number at the start of every stride-th page, wrapping around
// the whole guest memory when it runs past the last region.
func writePattern(mem *memory.GuestMemoryMmap, pages, stride int) (int, error) {
	pageSize := uint64(os.Getpagesize())
	total := mem.TotalSize() / pageSize

	if total == 0 || pages <= 0 {
		return 0, nil
	}

	written := 0

	for i := range pages {
		idx := uint64(i*max(stride, 1)) % total

		addr, ok := pageAddr(mem, idx, pageSize)
		if !ok {
			continue
		}

		err := memory.WriteObj(mem, idx+1, addr)
		if err != nil {
			return written, fmt.Errorf("failed to write page %d: %w", idx, err)
		}

		written++
	}

	return written, nil
}

// pageAddr returns the guest address of the idx-th page counting only pages backed by memory.
func pageAddr(mem *memory.GuestMemoryMmap, idx, pageSize uint64) (memory.GuestAddress, bool) {
	for _, r := range mem.Regions() {
		n := r.Len() / pageSize
		if idx < n {
			return r.StartAddr() + memory.GuestAddress(idx*pageSize), true
		}

		idx -= n
	}

	return 0, false
}

func exportDiff(ctx context.Context, mem *memory.GuestMemoryMmap, m metrics.Metrics, prefix string) (*snapshot.DiffMetadata, error) {
	diffFile, err := os.Create(prefix + ".diff")
	if err != nil {
		return nil, fmt.Errorf("failed to create diff file: %w", err)
	}
	defer diffFile.Close()

	meta, err := snapshot.ExportDirty(ctx, mem, diffFile, m)
	if err != nil {
		return nil, err
	}

	metaFile, err := os.Create(prefix + ".meta")
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata file: %w", err)
	}
	defer metaFile.Close()

	err = meta.Serialize(metaFile)
	if err != nil {
		return nil, err
	}

	return meta, nil
}

func dumpImage(ctx context.Context, mem *memory.GuestMemoryMmap, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create memory image: %w", err)
	}
	defer f.Close()

	return snapshot.DumpFull(ctx, mem, f)
}

type report struct {
	written       int
	imageSize     int64
	hostAvailable uint64
}

func printReport(config cfg.Config, mem *memory.GuestMemoryMmap, snapshotID string, meta *snapshot.DiffMetadata, r report) {
	fmt.Printf("\nMETADATA\n")
	fmt.Printf("========\n")
	fmt.Printf("Snapshot ID        %s\n", snapshotID)
	fmt.Printf("Snapshot dir       %s\n", config.SnapshotDir)
	fmt.Printf("Regions            %d\n", mem.NumRegions())
	fmt.Printf("Memory size        %d B (%s)\n", mem.TotalSize(), humanize.IBytes(mem.TotalSize()))
	fmt.Printf("Page size          %d B\n", meta.PageSize)

	if r.hostAvailable > 0 {
		fmt.Printf("Host available     %d B (%s)\n", r.hostAvailable, humanize.IBytes(r.hostAvailable))
	}

	fmt.Printf("\nREGIONS\n")
	fmt.Printf("=======\n")

	for i, rd := range meta.Regions {
		fmt.Printf("%-4d [%#14x,%#14x) %-10s dirty %d, empty %d\n",
			i, rd.Start.Raw(), rd.Start.Raw()+rd.Size, humanize.IBytes(rd.Size), rd.Dirty.Count(), rd.Empty.Count())
	}

	fmt.Printf("\nCHANGED RANGES\n")
	fmt.Printf("==============\n")

	for rng := range meta.Ranges() {
		fmt.Printf("[%#14x,%#14x) %s\n", rng.Start.Raw(), rng.End().Raw(), humanize.IBytes(rng.Size))
	}

	fmt.Printf("\nSUMMARY\n")
	fmt.Printf("=======\n")
	fmt.Printf("Pages written: %d\n", r.written)
	fmt.Printf("Dirty pages exported: %d\n", meta.DirtyPages())
	fmt.Printf("Empty pages recorded: %d\n", meta.EmptyPages())
	fmt.Printf("Diff size: %d B (%s)\n", meta.DiffSize(), humanize.IBytes(meta.DiffSize()))

	if r.imageSize > 0 {
		fmt.Printf("Full image size: %d B (%s)\n", r.imageSize, humanize.IBytes(uint64(r.imageSize)))
	}
}
