package cfg

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
)

// RangeSpec is one guest memory region: where it starts, how big it is and, for file
// backed regions, where its data starts in the backing file.
type RangeSpec struct {
	Base       uint64
	Size       uint64
	FileOffset *uint64
}

func (r RangeSpec) String() string {
	s := fmt.Sprintf("%#x:%s", r.Base, humanize.IBytes(r.Size))
	if r.FileOffset != nil {
		s += fmt.Sprintf(":%#x", *r.FileOffset)
	}

	return s
}

type Config struct {
	GuestMemoryRanges []RangeSpec `env:"GUEST_MEMORY_RANGES" envDefault:"0x0:128MiB"`
	LogDebug          bool        `env:"LOG_DEBUG"`
	LogExportOtel     bool        `env:"LOG_EXPORT_OTEL"`
	LogOutput         string      `env:"LOG_OUTPUT"`
	MemoryBackingFile string      `env:"MEMORY_BACKING_FILE"`
	SnapshotDir       string      `env:"SNAPSHOT_DIR"        envDefault:"/tmp/vm-memory"`
	TrackDirtyPages   bool        `env:"TRACK_DIRTY_PAGES"   envDefault:"true"`
}

func Parse() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(RangeSpec{}): ParseRangeSpec,
		},
	})
}

// ParseRangeSpec parses "base:size[:fileOffset]". Addresses and offsets are integers in any
// base Go understands; the size also accepts units such as 64MiB.
func ParseRangeSpec(s string) (any, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("failed to parse memory range %q: expected base:size[:fileOffset]", s)
	}

	base, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base of memory range %q: %w", s, err)
	}

	size, err := parseSize(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse size of memory range %q: %w", s, err)
	}

	if size == 0 {
		return nil, fmt.Errorf("failed to parse memory range %q: size must not be zero", s)
	}

	spec := RangeSpec{Base: base, Size: size}

	if len(parts) == 3 {
		off, err := strconv.ParseUint(parts[2], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse file offset of memory range %q: %w", s, err)
		}

		spec.FileOffset = &off
	}

	return spec, nil
}

func parseSize(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}

	return humanize.ParseBytes(s)
}
