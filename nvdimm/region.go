package nvdimm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidResource = errors.New("nvdimm: invalid region resource")
	ErrNoFlushCallback = errors.New("nvdimm: async region requires a flush callback")
	ErrRegionRemoved   = errors.New("nvdimm: region has been removed")
)

// Resource is a physical address range, End inclusive.
type Resource struct {
	Start uint64
	End   uint64
}

type RegionFlags uint8

const (
	// RegionPageMap marks the region as page-mapped.
	RegionPageMap RegionFlags = 1 << iota

	// RegionAsync marks the region's durability as asynchronous: writes
	// need an explicit flush through the region's callback.
	RegionAsync
)

// RegionDesc describes a region to create on a bus.
type RegionDesc struct {
	Res        Resource
	TargetNode int
	Flags      RegionFlags

	// Flush is invoked by Region.Flush. Required for async regions.
	Flush func(context.Context) error
}

// Region is a durable memory region registered on a bus.
type Region struct {
	bus        *Bus
	res        Resource
	targetNode int
	flags      RegionFlags
	flush      func(context.Context) error

	mu      sync.Mutex
	removed bool
}

// CreatePmemRegion validates the descriptor, claims its resource range and
// attaches the region to the bus.
func (b *Bus) CreatePmemRegion(desc RegionDesc) (*Region, error) {
	if desc.Res.End < desc.Res.Start {
		return nil, fmt.Errorf("%w: end %#x below start %#x", ErrInvalidResource, desc.Res.End, desc.Res.Start)
	}

	if desc.Flags&RegionAsync != 0 && desc.Flush == nil {
		return nil, ErrNoFlushCallback
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dead {
		return nil, ErrBusUnregistered
	}

	region := &Region{
		bus:        b,
		res:        desc.Res,
		targetNode: desc.TargetNode,
		flags:      desc.Flags,
		flush:      desc.Flush,
	}

	if err := b.registry.claim(region); err != nil {
		return nil, err
	}

	b.regions = append(b.regions, region)

	b.logger.Debug("nvdimm region created",
		zap.String("bus", b.id.String()),
		zap.Uint64("start", desc.Res.Start),
		zap.Uint64("end", desc.Res.End),
		zap.Int("target_node", desc.TargetNode))

	return region, nil
}

func (r *Region) Resource() Resource {
	return r.res
}

func (r *Region) TargetNode() int {
	return r.targetNode
}

func (r *Region) Flags() RegionFlags {
	return r.flags
}

// Flush blocks until writes to the region are durable, or returns the error
// the device reported. The only data-path operation a region exposes.
func (r *Region) Flush(ctx context.Context) error {
	r.mu.Lock()

	if r.removed {
		r.mu.Unlock()

		return ErrRegionRemoved
	}

	flush := r.flush
	r.mu.Unlock()

	if flush == nil {
		return nil
	}

	return flush(ctx)
}

func (r *Region) remove() {
	r.mu.Lock()

	if r.removed {
		r.mu.Unlock()

		return
	}

	r.removed = true
	r.mu.Unlock()

	r.bus.registry.unclaim(r)
}
