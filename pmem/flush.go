package pmem

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/govpmem/govpmem/virtio"
)

// numSlots is the size of the request arena, one slot per descriptor chain
// in the flush queue.
const numSlots = virtio.NumChains

// slot is one request arena entry. A sequence token is the slot index plus
// the slot's generation, so a completion resolves its request in O(1) and a
// stale or duplicated token never matches.
type slot struct {
	gen uint16

	// res carries the outcome to the submitter. Fresh per submission,
	// buffered, written exactly once.
	res chan error
}

func tokenOf(idx uint, gen uint16) uint64 {
	return uint64(gen)<<16 | uint64(idx)
}

func splitToken(token uint64) (uint, uint16) {
	return uint(token & 0xffff), uint16(token >> 16)
}

// submitFlush sends one durability request and blocks until the host
// resolves it, the device is drained, or ctx is cancelled. This is the
// region's flush callback.
//
// The device lock covers only the allocate/enqueue section; the wait happens
// on the request's own channel so any number of callers can be in flight
// concurrently.
func (d *Device) submitFlush(ctx context.Context) error {
	d.mu.Lock()

	// Descriptor space and arena slots run out together; wait for a
	// completion to free one.
	for d.state == stateRegistered && d.pending.Count() == numSlots {
		d.slotFree.Wait()
	}

	if d.state != stateRegistered {
		d.mu.Unlock()

		return ErrQuiesced
	}

	idx, ok := d.pending.NextClear(0)
	if !ok || idx >= numSlots {
		d.mu.Unlock()

		return ErrQuiesced
	}

	s := &d.slots[idx]
	s.gen++
	s.res = make(chan error, 1)
	token := tokenOf(idx, s.gen)

	req, err := virtio.PmemReq{Type: virtio.FlushReqType, Token: token}.Bytes()
	if err != nil {
		d.mu.Unlock()

		return fmt.Errorf("encode flush request: %w", err)
	}

	if _, err := d.q.Push(req); err != nil {
		d.mu.Unlock()

		return fmt.Errorf("submit flush request: %w", err)
	}

	d.pending.Set(idx)
	d.q.Kick()

	res := s.res
	d.mu.Unlock()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		// The request stays pending; its slot is reclaimed when the
		// host acks it or the device drains.
		return ctx.Err()
	}
}

// hostAck consumes completions from the used ring and resolves the matching
// requests. It runs in the transport's notification context and must not
// block: only the lock-protected lookup/resolve/wake sequence happens here.
func (d *Device) hostAck() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.q == nil {
		return
	}

	for {
		raw, ok := d.q.PopUsed()
		if !ok {
			return
		}

		resp, err := virtio.ParsePmemResp(raw)
		if err != nil {
			d.logger.Debug("malformed flush completion", zap.Error(err))

			continue
		}

		idx, gen := splitToken(resp.Token)
		if idx >= numSlots || !d.pending.Test(idx) || d.slots[idx].gen != gen {
			// Already resolved, e.g. by a concurrent drain.
			// Expected during teardown, not an error.
			d.logger.Debug("dropping completion for unknown token",
				zap.Uint64("token", resp.Token))

			continue
		}

		var ferr error
		if resp.Ret != virtio.FlushOK {
			ferr = &FlushError{Status: resp.Ret}
		}

		d.resolve(idx, ferr)
	}
}

// resolve removes the request from the pending set and wakes its submitter.
// Caller holds d.mu. A slot is resolved at most once per generation.
func (d *Device) resolve(idx uint, err error) {
	d.pending.Clear(idx)
	d.slots[idx].res <- err
	d.slotFree.Signal()

	if d.onEmpty != nil && d.pending.None() {
		close(d.onEmpty)
		d.onEmpty = nil
	}
}

// drain waits for the pending set to empty through normal completions, up
// to timeout, then force-resolves whatever is left with ErrQuiesced. The
// pending set is empty when it returns.
func (d *Device) drain(timeout time.Duration) DrainResult {
	var res DrainResult

	d.mu.Lock()
	d.state = stateDraining

	// Fail callers still waiting for a free slot.
	d.slotFree.Broadcast()

	inFlight := int(d.pending.Count())
	if inFlight == 0 {
		d.mu.Unlock()

		return res
	}

	empty := make(chan struct{})
	d.onEmpty = empty
	d.mu.Unlock()

	t := time.NewTimer(timeout)

	select {
	case <-empty:
	case <-t.C:
	}

	t.Stop()

	d.mu.Lock()
	d.onEmpty = nil

	for idx, ok := d.pending.NextSet(0); ok; idx, ok = d.pending.NextSet(idx + 1) {
		d.resolve(idx, ErrQuiesced)
		res.Forced++
	}

	d.mu.Unlock()

	res.Completed = inFlight - res.Forced

	return res
}
