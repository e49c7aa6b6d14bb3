// Package pmem implements the guest-driver side of a virtio persistent
// memory device: it discovers the device's address range, registers it as a
// durable region and services flush requests over the device's single
// command queue.
package pmem

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/govpmem/govpmem/numa"
	"github.com/govpmem/govpmem/nvdimm"
	"github.com/govpmem/govpmem/virtio"
)

const (
	providerName        = "virtio-pmem"
	defaultDrainTimeout = 30 * time.Second
)

type deviceState uint8

const (
	stateUninitialized deviceState = iota
	stateDiscovering
	stateQueueReady
	stateRegistered
	stateDraining
	stateTornDown
)

// AddressRange is the guest-visible pmem range, immutable once discovered.
type AddressRange struct {
	Start uint64
	Size  uint64
}

// End is the inclusive end of the range.
func (r AddressRange) End() uint64 {
	return r.Start + r.Size - 1
}

// Options tune an attach. The zero value works: a nop logger, a private
// registry, the system topology when it can be read, and a 30s drain
// deadline.
type Options struct {
	Logger   *zap.Logger
	Registry *nvdimm.Registry

	// Topology used for node resolution. The system topology is probed
	// when nil.
	Topology *numa.Topology

	// DrainTimeout bounds the wait for in-flight flushes at detach.
	DrainTimeout time.Duration
}

// Device is the long-lived context of one attached virtio-pmem device. One
// instance exists per attach; all state hangs off it, there are no
// process-wide singletons.
type Device struct {
	transport    virtio.Transport
	logger       *zap.Logger
	drainTimeout time.Duration

	rng    AddressRange
	q      *virtio.Queue
	bus    *nvdimm.Bus
	region *nvdimm.Region

	// mu is the only serialization point for the pending arena and the
	// queue. Held for short enqueue/resolve sections, never across a
	// wait.
	mu       sync.Mutex
	state    deviceState
	slots    [numSlots]slot
	pending  *bitset.BitSet
	slotFree *sync.Cond
	onEmpty  chan struct{}
}

// Attach discovers the device's range, sets up the flush queue and
// registers the durable region. A failure at any step unwinds the previous
// ones; no partial device is left behind.
func Attach(t virtio.Transport, opts Options) (*Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := opts.Registry
	if registry == nil {
		registry = nvdimm.NewRegistry()
	}

	topology := opts.Topology
	if topology == nil {
		sys, err := numa.SystemTopology()
		if err != nil {
			logger.Debug("no system NUMA topology", zap.Error(err))

			sys = &numa.Topology{}
		}

		topology = sys
	}

	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	d := &Device{
		transport:    t,
		logger:       logger,
		drainTimeout: drainTimeout,
		state:        stateDiscovering,
		pending:      bitset.New(numSlots),
	}
	d.slotFree = sync.NewCond(&d.mu)

	rng, err := discover(t)
	if err != nil {
		return nil, err
	}

	d.rng = rng

	q, err := t.FindQueue(virtio.FlushQueue, d.hostAck)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueAllocationFailed, err)
	}

	d.q = q
	d.state = stateQueueReady

	bus, err := registry.RegisterBus(nvdimm.BusDescriptor{
		Parent:   t.Name(),
		Provider: providerName,
		Logger:   logger,
	})
	if err != nil {
		t.Reset()

		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	d.bus = bus

	target := topology.TargetNode(rng.Start)
	if target == numa.NoNode {
		target = topology.NodeOf(rng.Start)
		logger.Debug("changing target node",
			zap.Int("from", numa.NoNode), zap.Int("to", target))
	}

	// The region may be used before attach finishes, so flag the device
	// ready before creating it.
	t.DeviceReady()

	region, err := bus.CreatePmemRegion(nvdimm.RegionDesc{
		Res:        nvdimm.Resource{Start: rng.Start, End: rng.End()},
		TargetNode: target,
		Flags:      nvdimm.RegionPageMap | nvdimm.RegionAsync,
		Flush:      d.submitFlush,
	})
	if err != nil {
		bus.Unregister()
		t.Reset()

		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	d.region = region
	d.state = stateRegistered

	logger.Info("virtio-pmem region registered",
		zap.String("device", t.Name()),
		zap.Uint64("start", rng.Start),
		zap.Uint64("size", rng.Size),
		zap.Int("target_node", target))

	return d, nil
}

// discover determines the device's address range. A shared-memory capability
// region wins; otherwise the two little-endian config fields are read.
// Exactly one source is consulted.
func discover(t virtio.Transport) (AddressRange, error) {
	if !t.ConfigEnabled() {
		return AddressRange{}, ErrConfigUnavailable
	}

	if r, ok := t.SharedMemRegion(virtio.ShmPmemRegion); ok {
		if r.Len == 0 {
			return AddressRange{}, ErrInvalidRange
		}

		return AddressRange{Start: r.Addr, Size: r.Len}, nil
	}

	cfg, err := virtio.ReadPmemConfig(t)
	if err != nil {
		return AddressRange{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	if cfg.Size == 0 {
		return AddressRange{}, ErrInvalidRange
	}

	return AddressRange{Start: cfg.Start, Size: cfg.Size}, nil
}

// Range returns the discovered address range.
func (d *Device) Range() AddressRange {
	return d.rng
}

// Region returns the registered durable region. Region.Flush is the
// device's data-path operation.
func (d *Device) Region() *nvdimm.Region {
	return d.region
}

// DrainResult reports how teardown resolved the requests that were in
// flight when it began.
type DrainResult struct {
	Completed int
	Forced    int
}

// Detach quiesces the queue and releases everything attach acquired. It
// drains in-flight flushes up to the drain deadline, force-resolving
// stragglers with ErrQuiesced; only then are the queue and the region torn
// down, so no completion can touch freed state. Detach always completes.
func (d *Device) Detach() DrainResult {
	d.mu.Lock()

	if d.state != stateRegistered {
		d.mu.Unlock()

		return DrainResult{}
	}

	d.state = stateDraining
	d.mu.Unlock()

	res := d.drain(d.drainTimeout)

	d.transport.Reset()
	d.bus.Unregister()

	d.mu.Lock()
	d.state = stateTornDown
	d.mu.Unlock()

	if res.Forced > 0 {
		d.logger.Warn("forced resolution of in-flight flush requests",
			zap.Int("count", res.Forced))
	}

	d.logger.Info("virtio-pmem device detached",
		zap.String("device", d.transport.Name()),
		zap.Int("completed", res.Completed),
		zap.Int("forced", res.Forced))

	return res
}
