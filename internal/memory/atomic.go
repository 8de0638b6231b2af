package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/vm-memory/internal/logger"
	"github.com/e2b-dev/infra/packages/vm-memory/internal/memory/metrics"
)

// Trigger notifies an interested party, usually a device, that something changed.
type Trigger interface {
	Trigger() error
}

type AtomicOption func(*GuestMemoryAtomic)

func WithLogger(l *zap.Logger) AtomicOption {
	return func(a *GuestMemoryAtomic) {
		a.logger = l
	}
}

func WithMetrics(m metrics.Metrics) AtomicOption {
	return func(a *GuestMemoryAtomic) {
		a.metrics = m
	}
}

// WithTrigger sets a trigger fired after every layout change.
func WithTrigger(t Trigger) AtomicOption {
	return func(a *GuestMemoryAtomic) {
		a.trigger = t
	}
}

// GuestMemoryAtomic holds the current guest memory layout of a running VM and applies hot-plug changes.
//
// Readers take their own handle with Load and keep using it for the whole operation,
// so a concurrent hot-plug never changes the regions they iterate over.
type GuestMemoryAtomic struct {
	mu      sync.RWMutex
	current *GuestMemoryMmap

	logger  *zap.Logger
	metrics metrics.Metrics
	trigger Trigger
}

// NewGuestMemoryAtomic takes over mem.
func NewGuestMemoryAtomic(ctx context.Context, mem *GuestMemoryMmap, opts ...AtomicOption) *GuestMemoryAtomic {
	a := &GuestMemoryAtomic{
		current: mem,
		logger:  zap.NewNop(),
		metrics: metrics.NewNoopMetrics(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.metrics.RegionsCounter.Add(ctx, int64(mem.NumRegions()))

	return a
}

// Load returns a handle to the current layout. The caller has to close it.
func (a *GuestMemoryAtomic) Load() *GuestMemoryMmap {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.current.Clone()
}

// InsertRegion hot-plugs region. The reference to region is taken over.
func (a *GuestMemoryAtomic) InsertRegion(ctx context.Context, region *GuestRegionMmap) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	base, size := region.StartAddr(), region.Len()

	next, err := a.current.InsertRegion(region)
	if err != nil {
		a.logger.Warn("failed to insert guest memory region", logger.WithGuestAddress(base.Raw()), logger.WithRegionSize(size), zap.Error(err))

		return fmt.Errorf("failed to insert region at %s: %w", base, err)
	}

	err = a.swap(next)

	a.metrics.RegionsCounter.Add(ctx, 1)
	a.metrics.HotplugCounter.Add(ctx, 1, metricsOp(metrics.OpInsert))
	a.logger.Info("inserted guest memory region",
		logger.WithGuestAddress(base.Raw()),
		logger.WithRegionSize(size),
		logger.WithRegionCount(next.NumRegions()),
		logger.WithDirtyTracking(next.IsDirtyTrackingEnabled()),
	)

	return errors.Join(err, a.notify())
}

// RemoveRegion hot-unplugs the region at base with exactly size bytes and returns it.
// The caller has to release the returned region.
func (a *GuestMemoryAtomic) RemoveRegion(ctx context.Context, base GuestAddress, size GuestUsize) (*GuestRegionMmap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, removed, err := a.current.RemoveRegion(base, size)
	if err != nil {
		a.logger.Warn("failed to remove guest memory region", logger.WithGuestAddress(base.Raw()), logger.WithRegionSize(size), zap.Error(err))

		return nil, err
	}

	err = a.swap(next)

	a.metrics.RegionsCounter.Add(ctx, -1)
	a.metrics.HotplugCounter.Add(ctx, 1, metricsOp(metrics.OpRemove))
	a.logger.Info("removed guest memory region",
		logger.WithGuestAddress(base.Raw()),
		logger.WithRegionSize(size),
		logger.WithRegionCount(next.NumRegions()),
	)

	return removed, errors.Join(err, a.notify())
}

// swap publishes next and drops the reference to the previous layout. Must be called with mu held.
func (a *GuestMemoryAtomic) swap(next *GuestMemoryMmap) error {
	prev := a.current
	a.current = next

	err := prev.Close()
	if err != nil {
		return fmt.Errorf("failed to release previous memory layout: %w", err)
	}

	return nil
}

func (a *GuestMemoryAtomic) notify() error {
	if a.trigger == nil {
		return nil
	}

	err := a.trigger.Trigger()
	if err != nil {
		a.logger.Error("failed to signal memory layout change", zap.Error(err))

		return fmt.Errorf("failed to signal memory layout change: %w", err)
	}

	return nil
}

// Close drops the reference to the current layout.
func (a *GuestMemoryAtomic) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.RegionsCounter.Add(ctx, -int64(a.current.NumRegions()))

	return a.current.Close()
}

func metricsOp(op string) metric.AddOption {
	return metric.WithAttributes(metrics.KV("op", op))
}
