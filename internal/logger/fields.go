package logger

import (
	"fmt"

	"go.uber.org/zap"
)

func WithGuestAddress(addr uint64) zap.Field {
	return zap.String("guest.address", fmt.Sprintf("%#x", addr))
}

func WithRegionSize(size uint64) zap.Field {
	return zap.Uint64("region.size", size)
}

func WithRegionCount(count int) zap.Field {
	return zap.Int("memory.regions", count)
}

func WithSnapshotID(snapshotID string) zap.Field {
	return zap.String("snapshot.id", snapshotID)
}

func WithDirtyTracking(enabled bool) zap.Field {
	return zap.Bool("memory.dirty_tracking", enabled)
}

func WithHostPageSize(size int) zap.Field {
	return zap.Int("host.page_size", size)
}
