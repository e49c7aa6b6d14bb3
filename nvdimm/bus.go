// Package nvdimm is a small in-process stand-in for the platform's
// persistent-memory subsystem: buses are registered per device, regions are
// created on a bus with an address range and a durability callback, and
// region resources are claimed registry-wide so two regions can never cover
// the same physical range.
package nvdimm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBusConflict     = errors.New("nvdimm: bus already registered for parent device")
	ErrBusUnregistered = errors.New("nvdimm: bus has been unregistered")
	ErrResourceBusy    = errors.New("nvdimm: region resource range already claimed")
)

// Registry owns all buses and the claimed resource ranges. There is no
// package-level instance; callers create and share one explicitly.
type Registry struct {
	mu     sync.Mutex
	buses  map[string]*Bus
	claims []*Region
}

func NewRegistry() *Registry {
	return &Registry{
		buses: make(map[string]*Bus),
	}
}

// BusDescriptor names the device a bus hangs off and the driver providing
// it.
type BusDescriptor struct {
	// Parent is the device instance the bus belongs to. At most one bus
	// may be registered per parent.
	Parent string

	// Provider is the driver name recorded on the bus.
	Provider string

	Logger *zap.Logger
}

// Bus is an opaque handle to a registered bus.
type Bus struct {
	id       uuid.UUID
	parent   string
	provider string
	logger   *zap.Logger
	registry *Registry

	mu      sync.Mutex
	regions []*Region
	dead    bool
}

// RegisterBus registers a bus for the descriptor's parent device.
func (r *Registry) RegisterBus(desc BusDescriptor) (*Bus, error) {
	if desc.Parent == "" {
		return nil, errors.New("nvdimm: bus descriptor needs a parent device")
	}

	logger := desc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.buses[desc.Parent]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBusConflict, desc.Parent)
	}

	b := &Bus{
		id:       uuid.New(),
		parent:   desc.Parent,
		provider: desc.Provider,
		logger:   logger,
		registry: r,
	}

	r.buses[desc.Parent] = b

	logger.Debug("nvdimm bus registered",
		zap.String("bus", b.id.String()),
		zap.String("parent", desc.Parent),
		zap.String("provider", desc.Provider))

	return b, nil
}

func (b *Bus) ID() uuid.UUID {
	return b.id
}

func (b *Bus) Provider() string {
	return b.provider
}

// Unregister removes the bus's regions and then the bus itself. Safe to call
// more than once.
func (b *Bus) Unregister() {
	b.mu.Lock()

	if b.dead {
		b.mu.Unlock()

		return
	}

	b.dead = true
	regions := b.regions
	b.regions = nil
	b.mu.Unlock()

	for _, region := range regions {
		region.remove()
	}

	r := b.registry
	r.mu.Lock()
	delete(r.buses, b.parent)
	r.mu.Unlock()

	b.logger.Debug("nvdimm bus unregistered", zap.String("bus", b.id.String()))
}

// claim reserves the region's resource range, failing on overlap with any
// live region on any bus.
func (r *Registry) claim(region *Region) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.claims {
		if region.res.Start <= c.res.End && c.res.Start <= region.res.End {
			return fmt.Errorf("%w: [%#x-%#x] overlaps [%#x-%#x]",
				ErrResourceBusy, region.res.Start, region.res.End, c.res.Start, c.res.End)
		}
	}

	r.claims = append(r.claims, region)

	return nil
}

func (r *Registry) unclaim(region *Region) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.claims {
		if c == region {
			r.claims = append(r.claims[:i], r.claims[i+1:]...)

			return
		}
	}
}
