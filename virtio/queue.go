package virtio

import (
	"errors"
	"sync"
	"unsafe"
)

var ErrQueueFull = errors.New("virtio: no free descriptors in queue")

const (
	QueueSize = 64

	// NumChains is the number of two-descriptor chains the queue holds.
	// Every request occupies one driver-readable descriptor and one
	// device-writable descriptor.
	NumChains = QueueSize / 2

	reqBufSize   = 16
	respBufSize  = 16
	chainBufSize = reqBufSize + respBufSize
)

const (
	descFlagNext  = 0x1
	descFlagWrite = 0x2
)

type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

type AvailRing struct {
	Flags     uint16
	Idx       uint16
	Ring      [QueueSize]uint16
	UsedEvent uint16
}

type UsedElem struct {
	Idx uint32
	Len uint32
}

type UsedRing struct {
	Flags      uint16
	Idx        uint16
	Ring       [QueueSize]UsedElem
	AvailEvent uint16
}

// VirtQueue is the split-queue memory layout shared between the driver and
// the device: a descriptor table, an available ring and a used ring.
type VirtQueue struct {
	DescTable [QueueSize]Desc
	AvailRing AvailRing
	UsedRing  UsedRing
}

// Queue is one command queue. The driver publishes two-descriptor chains on
// the available ring and consumes completions from the used ring; the device
// side (the transport) consumes the available ring and fills the used ring.
//
// The internal mutex stands in for the memory barriers a real transport
// provides between the two sides. Critical sections are short and never
// block.
type Queue struct {
	name string

	mu   sync.Mutex
	ring []byte
	vq   *VirtQueue
	buf  []byte

	freeHeads []uint16
	inUse     [NumChains]bool
	lastAvail uint16
	lastUsed  uint16

	kick func()
}

// NewQueue allocates the ring memory and the per-chain request buffers.
// kick is the transport doorbell; it must not block.
func NewQueue(name string, kick func()) *Queue {
	ring := make([]byte, unsafe.Sizeof(VirtQueue{}))

	q := &Queue{
		name: name,
		ring: ring,
		vq:   (*VirtQueue)(unsafe.Pointer(&ring[0])),
		buf:  make([]byte, NumChains*chainBufSize),
		kick: kick,
	}

	for i := NumChains - 1; i >= 0; i-- {
		q.freeHeads = append(q.freeHeads, uint16(2*i))
	}

	return q
}

func (q *Queue) Name() string {
	return q.name
}

func chainOffset(head uint16) uint64 {
	return uint64(head/2) * chainBufSize
}

// Push writes req into a free chain's request buffer and publishes the chain
// on the available ring. It returns the head descriptor index. The caller is
// responsible for kicking the device afterwards.
func (q *Queue) Push(req []byte) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.freeHeads) == 0 {
		return 0, ErrQueueFull
	}

	if len(req) > reqBufSize {
		return 0, errors.New("virtio: request exceeds descriptor buffer")
	}

	head := q.freeHeads[len(q.freeHeads)-1]
	q.freeHeads = q.freeHeads[:len(q.freeHeads)-1]
	q.inUse[head/2] = true

	off := chainOffset(head)
	buf := q.buf[off : off+chainBufSize]

	for i := range buf {
		buf[i] = 0
	}

	copy(buf, req)

	q.vq.DescTable[head] = Desc{
		Addr:  off,
		Len:   reqBufSize,
		Flags: descFlagNext,
		Next:  head + 1,
	}
	q.vq.DescTable[head+1] = Desc{
		Addr:  off + reqBufSize,
		Len:   respBufSize,
		Flags: descFlagWrite,
	}

	ar := &q.vq.AvailRing
	ar.Ring[ar.Idx%QueueSize] = head
	ar.Idx++

	return head, nil
}

// Kick notifies the device that the available ring has new entries.
func (q *Queue) Kick() {
	q.kick()
}

// PopUsed consumes one used-ring entry and returns a copy of the chain's
// response buffer. The chain is returned to the free list; a used entry for a
// chain that is already free (a duplicate delivery) still yields its response
// bytes so the caller can drop it by token.
func (q *Queue) PopUsed() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ur := &q.vq.UsedRing
	if q.lastUsed == ur.Idx {
		return nil, false
	}

	elem := ur.Ring[q.lastUsed%QueueSize]
	q.lastUsed++

	head := uint16(elem.Idx)
	if head >= QueueSize || head%2 != 0 {
		return nil, true
	}

	resp := make([]byte, respBufSize)
	off := chainOffset(head)
	copy(resp, q.buf[off+reqBufSize:off+chainBufSize])

	if q.inUse[head/2] {
		q.inUse[head/2] = false
		q.freeHeads = append(q.freeHeads, head)
	}

	return resp, true
}

// popAvail is the device-side consumption of the available ring. It walks the
// descriptor chain and returns the concatenated driver-readable buffers.
func (q *Queue) popAvail() (uint16, []byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ar := &q.vq.AvailRing
	if q.lastAvail == ar.Idx {
		return 0, nil, false
	}

	head := ar.Ring[q.lastAvail%QueueSize]
	q.lastAvail++

	var req []byte

	for i := head; ; {
		d := q.vq.DescTable[i]
		if d.Flags&descFlagWrite == 0 {
			req = append(req, q.buf[d.Addr:d.Addr+uint64(d.Len)]...)
		}

		if d.Flags&descFlagNext == 0 {
			break
		}

		i = d.Next
	}

	return head, req, true
}

// writeResp is the device-side write into the chain's device-writable
// descriptor.
func (q *Queue) writeResp(head uint16, resp []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := head; ; {
		d := q.vq.DescTable[i]
		if d.Flags&descFlagWrite != 0 {
			copy(q.buf[d.Addr:d.Addr+uint64(d.Len)], resp)

			return
		}

		if d.Flags&descFlagNext == 0 {
			return
		}

		i = d.Next
	}
}

// pushUsed is the device-side publication of a finished chain.
func (q *Queue) pushUsed(head uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ur := &q.vq.UsedRing
	ur.Ring[ur.Idx%QueueSize] = UsedElem{Idx: uint32(head), Len: respBufSize}
	ur.Idx++
}
