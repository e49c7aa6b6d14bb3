package virtio

import "errors"

var (
	ErrConfigDisabled = errors.New("virtio: config space access disabled")
	ErrQueueNotFound  = errors.New("virtio: no such queue")
)

// MemRegion is a shared-memory region advertised by the device through a
// capability descriptor.
type MemRegion struct {
	Addr uint64
	Len  uint64
}

// Transport is the seam between the driver and the bus-specific device
// plumbing. Implementations supply config-space access, shared-memory
// capability queries and command-queue allocation.
type Transport interface {
	// Name identifies the device instance, e.g. "virtio-pmem0".
	Name() string

	// ConfigEnabled reports whether config-space access works at all.
	ConfigEnabled() bool

	// ReadConfig copies len(buf) bytes of the device configuration
	// structure starting at offset.
	ReadConfig(offset uint64, buf []byte) error

	// SharedMemRegion returns the shared-memory region advertised under
	// the given capability id, if any.
	SharedMemRegion(id uint8) (MemRegion, bool)

	// FindQueue allocates the named command queue. notify is invoked by
	// the transport whenever the device has pushed used entries; it must
	// not block.
	FindQueue(name string, notify func()) (*Queue, error)

	// DeviceReady tells the device the driver is set up.
	DeviceReady()

	// Reset stops completion delivery and releases the queue. No notify
	// callback runs after Reset returns.
	Reset()
}
