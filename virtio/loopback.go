package virtio

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

var (
	ErrQueueBusy      = errors.New("virtio: queue already allocated")
	errQueueExhausted = errors.New("virtio: device has no queues left")
)

// defaultStart is the synthetic guest-physical base the loopback device
// advertises when the caller does not pick one.
const defaultStart = 0x1_0000_0000

// LoopbackConfig tunes the in-process pmem host.
type LoopbackConfig struct {
	// Name of the device instance, "virtio-pmem0" if empty.
	Name string

	// BackingPath, when set, is a file that is mmap'd as the pmem
	// contents. A flush then means msync plus fdatasync on it.
	BackingPath string

	// Start and Size of the advertised range. Size falls back to the
	// backing file's length when zero.
	Start uint64
	Size  uint64

	// ShmRegion advertises the range as a shared-memory capability
	// region instead of config-space fields.
	ShmRegion bool

	// DisableConfig makes config-space access fail, as a broken or
	// legacy transport would.
	DisableConfig bool

	// FailQueueAlloc makes FindQueue fail.
	FailQueueAlloc bool

	// ServiceDelay is applied before each flush is serviced.
	ServiceDelay time.Duration

	// ReverseCompletions services each kicked batch in reverse
	// submission order; ShuffleCompletions permutes it randomly.
	ReverseCompletions bool
	ShuffleCompletions bool

	// DuplicateCompletions pushes every used entry twice.
	DuplicateCompletions bool

	// FailEvery injects a host I/O error on every Nth flush (1-based).
	FailEvery int

	// Seed for the completion shuffle. Time-based if zero.
	Seed int64
}

type heldReq struct {
	head uint16
	req  []byte
}

// Loopback is an in-process virtio-pmem device: the host side of the flush
// protocol, driven by a goroutine consuming doorbell kicks. It backs the
// region with an mmap'd file when one is given, so a flush is a real msync.
type Loopback struct {
	cfg LoopbackConfig

	file *os.File
	mem  mmap.MMap

	mu      sync.Mutex
	q       *Queue
	notify  func()
	kick    chan struct{}
	release chan struct{}
	stop    chan struct{}
	held    bool
	pending []heldReq
	served  int
	rng     *rand.Rand

	wg sync.WaitGroup
}

// NewLoopback opens and maps the backing file, if any, and returns an
// unattached device.
func NewLoopback(cfg LoopbackConfig) (*Loopback, error) {
	if cfg.Name == "" {
		cfg.Name = "virtio-pmem0"
	}

	if cfg.Start == 0 {
		cfg.Start = defaultStart
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	l := &Loopback{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}

	if cfg.BackingPath != "" {
		f, err := os.OpenFile(cfg.BackingPath, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open backing file: %w", err)
		}

		m, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			f.Close()

			return nil, fmt.Errorf("map backing file: %w", err)
		}

		l.file = f
		l.mem = m

		if l.cfg.Size == 0 {
			l.cfg.Size = uint64(len(m))
		}
	}

	return l, nil
}

func (l *Loopback) Name() string {
	return l.cfg.Name
}

func (l *Loopback) ConfigEnabled() bool {
	return !l.cfg.DisableConfig
}

func (l *Loopback) ReadConfig(offset uint64, buf []byte) error {
	if l.cfg.DisableConfig {
		return ErrConfigDisabled
	}

	b, err := PmemConfig{Start: l.cfg.Start, Size: l.cfg.Size}.Bytes()
	if err != nil {
		return err
	}

	if offset+uint64(len(buf)) > uint64(len(b)) {
		return fmt.Errorf("config read beyond structure at offset %d", offset)
	}

	copy(buf, b[offset:])

	return nil
}

func (l *Loopback) SharedMemRegion(id uint8) (MemRegion, bool) {
	if !l.cfg.ShmRegion || id != ShmPmemRegion {
		return MemRegion{}, false
	}

	return MemRegion{Addr: l.cfg.Start, Len: l.cfg.Size}, true
}

func (l *Loopback) FindQueue(name string, notify func()) (*Queue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if name != FlushQueue {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	if l.cfg.FailQueueAlloc {
		return nil, errQueueExhausted
	}

	if l.q != nil {
		return nil, ErrQueueBusy
	}

	kick := make(chan struct{}, 1)
	release := make(chan struct{}, 1)
	stop := make(chan struct{})

	q := NewQueue(name, func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})

	l.q = q
	l.notify = notify
	l.kick = kick
	l.release = release
	l.stop = stop

	l.wg.Add(1)

	go l.serve(q, notify, kick, release, stop)

	return q, nil
}

func (l *Loopback) DeviceReady() {}

// Reset stops the host goroutine and discards the queue. It blocks until the
// goroutine has exited, so no completion callback runs after it returns.
func (l *Loopback) Reset() {
	l.mu.Lock()

	if l.q == nil {
		l.mu.Unlock()

		return
	}

	stop := l.stop
	l.q = nil
	l.notify = nil
	l.held = false
	l.pending = nil
	l.mu.Unlock()

	close(stop)
	l.wg.Wait()
}

// Close resets the device and releases the backing mapping.
func (l *Loopback) Close() error {
	l.Reset()

	if l.mem != nil {
		if err := l.mem.Unmap(); err != nil {
			return err
		}

		l.mem = nil
	}

	if l.file != nil {
		err := l.file.Close()
		l.file = nil

		return err
	}

	return nil
}

// Hold parks incoming flush requests instead of servicing them, until
// Release is called. Used to keep requests in flight deliberately.
func (l *Loopback) Hold() {
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
}

// Parked reports how many requests Hold has parked so far.
func (l *Loopback) Parked() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

// Release resumes servicing and completes everything parked by Hold.
func (l *Loopback) Release() {
	l.mu.Lock()
	l.held = false
	release := l.release
	l.mu.Unlock()

	if release == nil {
		return
	}

	select {
	case release <- struct{}{}:
	default:
	}
}

func (l *Loopback) serve(q *Queue, notify func(), kick, release, stop chan struct{}) {
	defer l.wg.Done()

	for {
		select {
		case <-stop:
			return
		case <-kick:
		case <-release:
		}

		batch := l.collect(q)
		if len(batch) == 0 {
			continue
		}

		l.reorder(batch)

		for _, r := range batch {
			select {
			case <-stop:
				return
			default:
			}

			l.complete(q, notify, r)
		}
	}
}

// collect drains the available ring. While the device is held the requests
// are parked instead of returned.
func (l *Loopback) collect(q *Queue) []heldReq {
	var batch []heldReq

	for {
		head, req, ok := q.popAvail()
		if !ok {
			break
		}

		batch = append(batch, heldReq{head: head, req: req})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		l.pending = append(l.pending, batch...)

		return nil
	}

	batch = append(l.pending, batch...)
	l.pending = nil

	return batch
}

func (l *Loopback) reorder(batch []heldReq) {
	if l.cfg.ReverseCompletions {
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	}

	if l.cfg.ShuffleCompletions {
		l.mu.Lock()
		l.rng.Shuffle(len(batch), func(i, j int) {
			batch[i], batch[j] = batch[j], batch[i]
		})
		l.mu.Unlock()
	}
}

func (l *Loopback) complete(q *Queue, notify func(), r heldReq) {
	if l.cfg.ServiceDelay > 0 {
		time.Sleep(l.cfg.ServiceDelay)
	}

	req, err := ParsePmemReq(r.req)

	status := FlushOK

	switch {
	case err != nil || req.Type != FlushReqType:
		status = FlushEIO
	default:
		l.mu.Lock()
		l.served++
		nth := l.served
		l.mu.Unlock()

		if l.cfg.FailEvery > 0 && nth%l.cfg.FailEvery == 0 {
			status = FlushEIO
		} else if err := l.sync(); err != nil {
			status = FlushEIO
		}
	}

	resp, err := PmemResp{Ret: status, Token: req.Token}.Bytes()
	if err != nil {
		return
	}

	q.writeResp(r.head, resp)
	q.pushUsed(r.head)

	if l.cfg.DuplicateCompletions {
		q.pushUsed(r.head)
	}

	notify()
}

// sync makes the backing contents durable: msync on the mapping, then
// fdatasync so the file itself is on stable storage.
func (l *Loopback) sync() error {
	if l.mem == nil {
		return nil
	}

	if err := l.mem.Flush(); err != nil {
		return err
	}

	return unix.Fdatasync(int(l.file.Fd()))
}
