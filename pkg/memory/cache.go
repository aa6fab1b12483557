package memory

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Suhail-Mohamed/CoroDB/pkg/metrics"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
)

// Cache is the page cache / buffer pool. Reads are served from the IO
// bundle whose frames double as the kernel ring's registered buffers;
// freshly created pages live in the non-persistent bundle until their
// first flush. Replacement picks the unpinned frame with the minimum
// usage counter; dirty frames are written back before their slot is
// reused.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring   *disk.Ring
	reaper *disk.Reaper

	io *bundle
	np *bundle

	stampGen int32

	log *zap.Logger
	met *metrics.Metrics
}

// NewCache builds the cache over the ring's registered pages (the IO
// bundle) and poolSize scratch frames (the non-persistent bundle).
// ioPages must be the exact slice the ring was registered with, so that a
// completion's buffer id indexes the matching IO frame.
func NewCache(ring *disk.Ring, reaper *disk.Reaper, ioPages []*disk.Page, poolSize int, log *zap.Logger, met *metrics.Metrics) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	npPages := make([]*disk.Page, poolSize)
	for i := range npPages {
		npPages[i] = new(disk.Page)
	}
	c := &Cache{
		ring:   ring,
		reaper: reaper,
		io:     newBundle(BundleIO, ioPages),
		np:     newBundle(BundleNP, npPages),
		log:    log,
		met:    met,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// CreatePage returns a pinned handle to a fresh (or already resident)
// non-persistent frame for (fd, pageNum). The frame starts dirty: its
// contents reach disk when the last reference is released.
func (c *Cache) CreatePage(fd int, pageNum int32, layout record.Layout) (*Handle, error) {
	c.mu.Lock()
	for {
		if f := c.np.find(fd, pageNum); f != nil && !f.evicting {
			h := c.shareLocked(f)
			c.mu.Unlock()
			c.met.IncCacheHit()
			return h, nil
		}

		f := c.np.firstFree()
		if f != nil {
			h := c.admitLocked(f, fd, pageNum, layout, true)
			for i := range f.page {
				f.page[i] = 0
			}
			c.mu.Unlock()
			return h, nil
		}

		victim := c.np.minUsageVictim()
		if victim == nil {
			// Every scratch frame is pinned; wait for a release.
			c.cond.Wait()
			continue
		}
		c.evictLocked(victim)
	}
}

// ReadPage returns a pinned handle to (fd, pageNum), reading it through
// the ring when it is not resident. The kernel-selected buffer id names
// the IO frame the page landed in.
func (c *Cache) ReadPage(fd int, pageNum int32, layout record.Layout) (*Handle, error) {
	c.mu.Lock()
	for {
		if f := c.io.find(fd, pageNum); f != nil && !f.evicting {
			h := c.shareLocked(f)
			c.mu.Unlock()
			c.met.IncCacheHit()
			return h, nil
		}

		if c.io.firstFree() != nil {
			break
		}
		victim := c.io.minUsageVictim()
		if victim == nil {
			c.cond.Wait()
			continue
		}
		c.evictLocked(victim)
		break
	}
	c.mu.Unlock()
	c.met.IncCacheMiss()

	sqe := disk.NewReadSQE(fd, int64(pageNum)*disk.PageSize)
	c.reaper.Submit(sqe)
	bufID, err := sqe.Await()
	if err != nil {
		// The completion failed: the frame is not admitted and the
		// executor already returned the selected buffer, if any.
		return nil, err
	}

	c.mu.Lock()
	f := c.io.frames[bufID]
	h := c.admitLocked(f, fd, pageNum, layout, false)
	c.mu.Unlock()
	return h, nil
}

// Release drops one reference. When the last reference goes away a dirty
// frame is written back, the frame is unpinned, its slot freed, and — for
// IO frames — its buffer re-published to the kernel ring.
func (c *Cache) Release(h *Handle) error {
	c.mu.Lock()
	f := h.frame
	if h.stamp != f.stamp.Load() {
		// The frame was reclaimed out from under the handle; there is
		// nothing left to release.
		c.mu.Unlock()
		return nil
	}
	f.refCount--
	if f.refCount > 0 {
		c.mu.Unlock()
		return nil
	}

	var err error
	if f.dirty.Load() {
		err = c.writeBackLocked(f)
	}
	c.freeLocked(f)
	c.mu.Unlock()
	c.cond.Broadcast()
	return err
}

// FlushAll synchronously writes every dirty resident frame. Used at
// shutdown, after the reaper and pool have stopped.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	for _, b := range []*bundle{c.io, c.np} {
		for _, f := range b.frames {
			if !f.used || !f.dirty.Load() {
				continue
			}
			if _, err := unix.Pwrite(f.fd, f.page[:], int64(f.pageNum)*disk.PageSize); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			f.dirty.Store(false)
			c.met.IncCacheWriteBack()
		}
	}
	return errs
}

// shareLocked hands out another reference to a resident frame.
func (c *Cache) shareLocked(f *Frame) *Handle {
	f.refCount++
	f.usage.Add(1)
	f.pinned.Store(true)
	return &Handle{
		frame:   f,
		cache:   c,
		stamp:   f.stamp.Load(),
		fd:      f.fd,
		pageNum: f.pageNum,
		layout:  f.layout,
	}
}

// admitLocked initializes a frame for a new tenant and returns its first
// handle. The generation stamp advances so handles from the previous
// tenant go stale.
func (c *Cache) admitLocked(f *Frame, fd int, pageNum int32, layout record.Layout, dirty bool) *Handle {
	c.stampGen++
	f.used = true
	f.evicting = false
	f.fd = fd
	f.pageNum = pageNum
	f.layout = layout
	f.refCount = 1
	f.usage.Store(1)
	f.stamp.Store(c.stampGen)
	f.dirty.Store(dirty)
	f.pinned.Store(true)
	return &Handle{
		frame:   f,
		cache:   c,
		stamp:   c.stampGen,
		fd:      fd,
		pageNum: pageNum,
		layout:  layout,
	}
}

// evictLocked reclaims the victim: it invalidates outstanding handles,
// writes the page back if dirty, frees the slot and re-publishes the
// buffer. The cache mutex is dropped around the write-back so pool
// workers stay unblocked.
func (c *Cache) evictLocked(f *Frame) {
	c.stampGen++
	f.stamp.Store(c.stampGen)
	if f.dirty.Load() {
		if err := c.writeBackLocked(f); err != nil {
			c.log.Error("write-back during eviction failed",
				zap.Int32("page", f.pageNum), zap.Int("fd", f.fd), zap.Error(err))
		}
	}
	c.freeLocked(f)
	c.met.IncCacheEviction()
	c.cond.Broadcast()
}

// writeBackLocked flushes the frame through the ring. Callers hold the
// cache mutex; it is released for the duration of the await.
func (c *Cache) writeBackLocked(f *Frame) error {
	f.evicting = true
	fd, pageNum, page := f.fd, f.pageNum, f.page
	c.mu.Unlock()

	sqe := disk.NewWriteSQE(fd, int64(pageNum)*disk.PageSize, page)
	c.reaper.Submit(sqe)
	_, err := sqe.Await()

	c.mu.Lock()
	f.evicting = false
	if err == nil {
		f.dirty.Store(false)
		c.met.IncCacheWriteBack()
	}
	return err
}

// freeLocked returns the frame's slot (and IO buffer) to circulation.
func (c *Cache) freeLocked(f *Frame) {
	c.stampGen++
	f.stamp.Store(c.stampGen)
	f.used = false
	f.refCount = 0
	f.pinned.Store(false)
	if f.bundle == BundleIO {
		c.ring.ReturnBuffer(f.frameID)
	}
}
