// Package disk implements the asynchronous page I/O facility: a
// submission/completion ring with a registered buffer ring, and the
// reaper thread that turns completions into task wake-ups.
//
// The layout mirrors io_uring: callers enqueue fixed-size page reads and
// writes, Submit hands them to the kernel side, and completions carry a
// status plus — for reads — the id of the registered buffer the data
// landed in. Here the "kernel side" is a small set of executor goroutines
// issuing positional reads and writes through golang.org/x/sys/unix.
package disk

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/metrics"
)

// PageSize is the unit of I/O and caching.
const PageSize = 4096

// Page is one fixed-size disk block.
type Page = [PageSize]byte

// Op selects the I/O direction of a submission entry.
type Op uint8

const (
	OpNull Op = iota
	OpRead
	OpWrite
)

// NoBuffer marks a completion that did not select a registered buffer.
const NoBuffer int32 = -1

// nrExecutors is how many in-flight syscalls the ring services at once.
const nrExecutors = 4

// SQE is one submission entry. The executor fills Status (bytes moved, or
// a negative errno) and, for reads, BufID with the registered buffer the
// kernel chose. wake is the resumption the reaper schedules on the worker
// pool once the entry completes.
type SQE struct {
	Op     Op
	FD     int
	Offset int64

	// Page is the caller-owned source for writes; reads receive their
	// destination from the buffer ring instead.
	Page *Page

	Status int32
	BufID  int32

	wake func()
	done chan struct{}
}

// NewReadSQE builds a read of one page at (fd, offset); the destination
// buffer is chosen by the ring at completion time.
func NewReadSQE(fd int, offset int64) *SQE {
	return &SQE{Op: OpRead, FD: fd, Offset: offset, BufID: NoBuffer, done: make(chan struct{})}
}

// NewWriteSQE builds a write of the caller-owned page to (fd, offset).
func NewWriteSQE(fd int, offset int64, page *Page) *SQE {
	return &SQE{Op: OpWrite, FD: fd, Offset: offset, Page: page, BufID: NoBuffer, done: make(chan struct{})}
}

// Await parks the caller until the reaper wakes the entry, then maps a
// negative status to ErrIoFailure. The returned buffer id identifies the
// registered buffer holding read data.
func (s *SQE) Await() (int32, error) {
	<-s.done
	if s.Status < 0 {
		return s.BufID, errors.Wrapf(dberr.ErrIoFailure, "status %d on fd %d offset %d", s.Status, s.FD, s.Offset)
	}
	return s.BufID, nil
}

// Ring owns the submission and completion queues and the registered
// buffer ring. All queue operations hold the ring mutex; the mutex is
// never held across a task resumption.
type Ring struct {
	mu        sync.Mutex
	pending   []*SQE
	completed []*SQE

	bufMu    sync.Mutex
	bufCond  *sync.Cond
	bufs     []*Page
	freeBufs []int32
	closed   bool

	execCh   chan *SQE
	execWG   sync.WaitGroup
	inFlight atomic.Int32

	// cqReady nudges the reaper when a completion lands.
	cqReady chan struct{}

	log *zap.Logger
	met *metrics.Metrics
}

// NewRing registers bufs — the IO frames of the page cache — as the
// buffer ring. The count must be a power of two.
func NewRing(bufs []*Page, log *zap.Logger, met *metrics.Metrics) (*Ring, error) {
	n := len(bufs)
	if n == 0 || n&(n-1) != 0 {
		return nil, errors.Errorf("buffer ring size must be a power of two, got %d", n)
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Ring{
		bufs:    bufs,
		execCh:  make(chan *SQE, n),
		cqReady: make(chan struct{}, 1),
		log:     log,
		met:     met,
	}
	r.bufCond = sync.NewCond(&r.bufMu)
	r.freeBufs = make([]int32, 0, n)
	for i := n - 1; i >= 0; i-- {
		r.freeBufs = append(r.freeBufs, int32(i))
	}

	r.execWG.Add(nrExecutors)
	for i := 0; i < nrExecutors; i++ {
		go r.executorLoop()
	}
	log.Debug("i/o ring initialized", zap.Int("buffers", n))
	return r, nil
}

// ReadRequest enqueues a page read. Thread safe.
func (r *Ring) ReadRequest(s *SQE) {
	r.mu.Lock()
	r.pending = append(r.pending, s)
	r.mu.Unlock()
}

// WriteRequest enqueues a page write. Thread safe.
func (r *Ring) WriteRequest(s *SQE) {
	r.mu.Lock()
	r.pending = append(r.pending, s)
	r.mu.Unlock()
}

// SQReady reports how many entries wait for submission.
func (r *Ring) SQReady() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Submit hands every pending entry to the kernel side and returns the
// count submitted.
func (r *Ring) Submit() int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, s := range batch {
		r.met.IncRingSubmission()
		r.inFlight.Add(1)
		r.execCh <- s
	}
	return len(batch)
}

// InFlight reports entries submitted to the kernel side whose completion
// has not yet been posted.
func (r *Ring) InFlight() int {
	return int(r.inFlight.Load())
}

// CQEmpty reports whether the completion queue has no entries.
func (r *Ring) CQEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed) == 0
}

// DrainCompletions applies f to each completed entry in completion order,
// then marks them seen. f must not resume tasks inline; it runs with the
// ring mutex released but on the reaper's thread.
func (r *Ring) DrainCompletions(f func(*SQE)) {
	r.mu.Lock()
	batch := r.completed
	r.completed = nil
	r.mu.Unlock()

	for _, s := range batch {
		r.met.IncRingCompletion()
		if s.Status < 0 {
			r.met.IncRingFailure()
		}
		f(s)
	}
}

// Buffer returns the registered buffer with the given id.
func (r *Ring) Buffer(id int32) *Page {
	return r.bufs[id]
}

// ReturnBuffer re-publishes a buffer into the ring after the frame it
// backed was evicted, waking an executor stalled on buffer exhaustion.
func (r *Ring) ReturnBuffer(id int32) {
	r.bufMu.Lock()
	r.freeBufs = append(r.freeBufs, id)
	r.bufMu.Unlock()
	r.bufCond.Signal()
}

// Close tears the ring down. Outstanding submissions complete first.
func (r *Ring) Close() {
	close(r.execCh)
	r.bufMu.Lock()
	r.closed = true
	r.bufMu.Unlock()
	r.bufCond.Broadcast()
	r.execWG.Wait()
}

// selectBuffer pops a free registered buffer, blocking while the ring is
// saturated. Returns NoBuffer once the ring is closed.
func (r *Ring) selectBuffer() int32 {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	for len(r.freeBufs) == 0 && !r.closed {
		r.bufCond.Wait()
	}
	if len(r.freeBufs) == 0 {
		return NoBuffer
	}
	id := r.freeBufs[len(r.freeBufs)-1]
	r.freeBufs = r.freeBufs[:len(r.freeBufs)-1]
	return id
}

// executorLoop is the kernel side: it performs the positional I/O for one
// entry at a time and posts the completion.
func (r *Ring) executorLoop() {
	defer r.execWG.Done()
	for s := range r.execCh {
		switch s.Op {
		case OpRead:
			id := r.selectBuffer()
			if id == NoBuffer {
				s.Status = -int32(unix.ECANCELED)
				break
			}
			buf := r.bufs[id]
			n, err := unix.Pread(s.FD, buf[:], s.Offset)
			if err != nil {
				r.ReturnBuffer(id)
				s.Status = errnoStatus(err)
				break
			}
			// A short read is a page past EOF; the tail must not leak
			// bytes from the buffer's previous tenant.
			for i := n; i < PageSize; i++ {
				buf[i] = 0
			}
			s.Status = int32(n)
			s.BufID = id
		case OpWrite:
			n, err := unix.Pwrite(s.FD, s.Page[:], s.Offset)
			if err != nil {
				s.Status = errnoStatus(err)
				break
			}
			s.Status = int32(n)
		default:
			s.Status = -int32(unix.EINVAL)
		}

		r.mu.Lock()
		r.completed = append(r.completed, s)
		r.mu.Unlock()
		r.inFlight.Add(-1)

		select {
		case r.cqReady <- struct{}{}:
		default:
		}
	}
}

func errnoStatus(err error) int32 {
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
