package virtio

import (
	"bytes"
	"encoding/binary"
)

// virtio-pmem device protocol.
//
// refs https://docs.oasis-open.org/virtio/virtio/v1.2/virtio-v1.2.html
// (section 5.19, PMEM device)

const (
	// FlushQueue is the name of the pmem device's single command queue.
	FlushQueue = "flush_queue"

	// ShmPmemRegion is the shared-memory capability id under which the
	// device may advertise its memory range.
	ShmPmemRegion uint8 = 0

	// FlushReqType is the request type for a flush.
	FlushReqType uint32 = 0

	// FlushOK and FlushEIO are the host status codes for a completed
	// flush.
	FlushOK  uint32 = 0
	FlushEIO uint32 = 1
)

// PmemConfig is the device configuration structure, two little-endian
// fields giving the guest-visible address range.
type PmemConfig struct {
	Start uint64
	Size  uint64
}

func (c PmemConfig) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// ReadPmemConfig decodes the configuration structure from the transport.
func ReadPmemConfig(t Transport) (PmemConfig, error) {
	buf := make([]byte, 16)
	if err := t.ReadConfig(0, buf); err != nil {
		return PmemConfig{}, err
	}

	var c PmemConfig
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &c); err != nil {
		return PmemConfig{}, err
	}

	return c, nil
}

// PmemReq is the driver-readable request descriptor payload. Token is the
// sequence token completions are matched by.
type PmemReq struct {
	Type  uint32
	_     uint32
	Token uint64
}

func (r PmemReq) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// PmemResp is the device-written response payload. The host echoes the
// request's token so the driver can resolve completions out of order.
type PmemResp struct {
	Ret   uint32
	_     uint32
	Token uint64
}

func ParsePmemReq(b []byte) (PmemReq, error) {
	var r PmemReq
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &r); err != nil {
		return PmemReq{}, err
	}

	return r, nil
}

func ParsePmemResp(b []byte) (PmemResp, error) {
	var r PmemResp
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &r); err != nil {
		return PmemResp{}, err
	}

	return r, nil
}

func (r PmemResp) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}
