package pmem_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/govpmem/govpmem/numa"
	"github.com/govpmem/govpmem/nvdimm"
	"github.com/govpmem/govpmem/pmem"
	"github.com/govpmem/govpmem/virtio"
)

func attach(t *testing.T, cfg virtio.LoopbackConfig, opts pmem.Options) (*virtio.Loopback, *pmem.Device) {
	t.Helper()

	lb := newLoopback(t, cfg)

	if opts.Topology == nil {
		opts.Topology = &numa.Topology{}
	}

	d, err := pmem.Attach(lb, opts)
	require.NoError(t, err)

	return lb, d
}

func TestFlushBackedRegion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pmem.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0o644))

	lb, d := attach(t, virtio.LoopbackConfig{BackingPath: path}, pmem.Options{})
	defer lb.Close()

	for i := 0; i < 8; i++ {
		require.NoError(t, d.Region().Flush(context.Background()))
	}

	d.Detach()
}

func TestFlushHostError(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{FailEvery: 1}, pmem.Options{})
	defer lb.Close()

	err := d.Region().Flush(context.Background())

	var ferr *pmem.FlushError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, virtio.FlushEIO, ferr.Status)

	// A per-request failure leaves the device healthy.
	err = d.Region().Flush(context.Background())
	require.ErrorAs(t, err, &ferr)

	d.Detach()
}

// TestCompletionMatchingOutOfOrder holds two requests in the host, then
// completes them in reverse order with an error injected on the second
// serviced request (the first submitted). The error must land on the first
// caller even though its completion arrived last.
func TestCompletionMatchingOutOfOrder(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{
		ReverseCompletions: true,
		FailEvery:          2,
	}, pmem.Options{})
	defer lb.Close()

	lb.Hold()

	errs := make([]error, 2)

	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = d.Region().Flush(context.Background())
		}(i)

		require.Eventually(t, func() bool { return lb.Parked() == i+1 },
			5*time.Second, time.Millisecond)
	}

	lb.Release()
	wg.Wait()

	// Service order was [second, first]; the injected failure hit the
	// second serviced request, i.e. the first submitter.
	var ferr *pmem.FlushError
	require.ErrorAs(t, errs[0], &ferr)
	require.NoError(t, errs[1])

	d.Detach()
}

func TestDuplicateCompletionDelivery(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{DuplicateCompletions: true}, pmem.Options{})
	defer lb.Close()

	// Every completion arrives twice; the duplicate must have no
	// observable effect, and the arena must stay consistent for further
	// submissions.
	for i := 0; i < 64; i++ {
		require.NoError(t, d.Region().Flush(context.Background()))
	}

	d.Detach()
}

func TestConcurrentFlushers(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{
		ShuffleCompletions: true,
		Seed:               1,
	}, pmem.Options{})
	defer lb.Close()

	const flushers = 150

	g := new(errgroup.Group)

	for i := 0; i < flushers; i++ {
		g.Go(func() error {
			for j := 0; j < 4; j++ {
				if err := d.Region().Flush(context.Background()); err != nil {
					return err
				}
			}

			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent flushers did not finish in time")
	}

	d.Detach()
}

// TestSubmittersWaitForFreeSlots oversubscribes the request arena while the
// host is held; the surplus callers must block for a slot, not fail, and
// complete once the host resumes.
func TestSubmittersWaitForFreeSlots(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{}, pmem.Options{})
	defer lb.Close()

	lb.Hold()

	const callers = virtio.NumChains + 8

	var (
		done atomic.Int32
		wg   sync.WaitGroup
	)

	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = d.Region().Flush(context.Background())
			done.Add(1)
		}(i)
	}

	require.Eventually(t, func() bool { return lb.Parked() == virtio.NumChains },
		5*time.Second, time.Millisecond)
	assert.Equal(t, int32(0), done.Load())

	lb.Release()
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	d.Detach()
}

func TestDrainForcesStragglers(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{}, pmem.Options{
		DrainTimeout: 50 * time.Millisecond,
	})
	defer lb.Close()

	lb.Hold()

	const inFlight = 5

	errs := make([]error, inFlight)

	var wg sync.WaitGroup

	for i := 0; i < inFlight; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = d.Region().Flush(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return lb.Parked() == inFlight },
		5*time.Second, time.Millisecond)

	res := d.Detach()
	wg.Wait()

	assert.Equal(t, inFlight, res.Forced)
	assert.Equal(t, 0, res.Completed)

	for i := 0; i < inFlight; i++ {
		require.ErrorIs(t, errs[i], pmem.ErrQuiesced)
	}

	// The region is gone; no completion can reach a caller anymore.
	require.ErrorIs(t, d.Region().Flush(context.Background()), nvdimm.ErrRegionRemoved)

	// A late host release must have no effect.
	lb.Release()
	require.ErrorIs(t, d.Region().Flush(context.Background()), nvdimm.ErrRegionRemoved)
}

func TestDrainWaitsForCompletion(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{ServiceDelay: 5 * time.Millisecond}, pmem.Options{
		DrainTimeout: 10 * time.Second,
	})
	defer lb.Close()

	const inFlight = 8

	errs := make([]error, inFlight)

	var wg sync.WaitGroup

	for i := 0; i < inFlight; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = d.Region().Flush(context.Background())
		}(i)
	}

	// Begin teardown while requests are still in flight. The host keeps
	// servicing during the drain, so nothing needs to be forced.
	time.Sleep(10 * time.Millisecond)

	res := d.Detach()
	wg.Wait()

	assert.Equal(t, 0, res.Forced)

	for i := 0; i < inFlight; i++ {
		if errs[i] != nil {
			require.ErrorIs(t, errs[i], pmem.ErrQuiesced)
		}
	}
}

func TestDetachIdempotent(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{}, pmem.Options{})
	defer lb.Close()

	require.NoError(t, d.Region().Flush(context.Background()))

	d.Detach()

	res := d.Detach()
	assert.Equal(t, pmem.DrainResult{}, res)
}

func TestFlushContextCancelled(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{}, pmem.Options{})
	defer lb.Close()

	lb.Hold()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Region().Flush(ctx) }()

	require.Eventually(t, func() bool { return lb.Parked() == 1 },
		5*time.Second, time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled flush did not return")
	}

	// The abandoned request's slot is reclaimed once the host acks it.
	lb.Release()
	require.NoError(t, d.Region().Flush(context.Background()))

	d.Detach()
}

func TestFlushAfterDetach(t *testing.T) {
	t.Parallel()

	lb, d := attach(t, virtio.LoopbackConfig{}, pmem.Options{})
	defer lb.Close()

	d.Detach()

	err := d.Region().Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, nvdimm.ErrRegionRemoved) || errors.Is(err, pmem.ErrQuiesced))
}
