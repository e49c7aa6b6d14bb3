package pmem

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigUnavailable means neither discovery source was reachable.
	// Fatal to attach.
	ErrConfigUnavailable = errors.New("pmem: config space access disabled")

	// ErrInvalidRange means the advertised region is empty. Fatal to
	// attach.
	ErrInvalidRange = errors.New("pmem: discovered region has zero size")

	// ErrQueueAllocationFailed means the flush queue could not be set
	// up. Fatal to attach.
	ErrQueueAllocationFailed = errors.New("pmem: flush queue allocation failed")

	// ErrRegistrationFailed means bus or region registration was
	// rejected. Fatal to attach.
	ErrRegistrationFailed = errors.New("pmem: region registration failed")

	// ErrQuiesced resolves flush requests the device force-completed
	// while tearing down. Per-request, not fatal to the device.
	ErrQuiesced = errors.New("pmem: device quiesced before flush completed")
)

// FlushError is a host-reported failure on one specific flush. It affects
// only the issuing caller.
type FlushError struct {
	Status uint32
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("pmem: host reported flush failure (status %d)", e.Status)
}
