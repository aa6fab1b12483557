// Package memory implements the page cache: two fixed-capacity frame
// bundles (IO frames registered with the kernel ring, and non-persistent
// scratch frames for freshly created pages), generation-stamped handles,
// pinning, and usage-based replacement with dirty write-back.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
)

// BundleKind distinguishes the two frame bundles.
type BundleKind uint8

const (
	// BundleIO frames are registered with the kernel ring; reads land in
	// them directly.
	BundleIO BundleKind = iota

	// BundleNP frames hold newly created pages until their first flush.
	BundleNP
)

// NoStamp is a sentinel generation value. The cache never issues it, and
// Valid gives it no special treatment.
const NoStamp int32 = -1

// Frame is one page-sized buffer in a bundle plus its metadata. The
// metadata fields are guarded by the cache mutex; the page bytes are
// guarded by the frame's reader/writer lock, which page handlers acquire
// around record access.
type Frame struct {
	page    *disk.Page
	frameID int32
	bundle  BundleKind

	// RWMu orders readers and writers of the page bytes.
	RWMu sync.RWMutex

	stamp  atomic.Int32
	dirty  atomic.Bool
	pinned atomic.Bool
	usage  atomic.Int32

	used     bool
	evicting bool
	fd       int
	pageNum  int32
	refCount int32
	layout   record.Layout
}

// Handle references a cached frame. It is valid only while its generation
// stamp matches the frame's current stamp; once the frame is reclaimed
// for another page, every prior handle observes ErrInvalidTimestamp.
type Handle struct {
	frame *Frame
	cache *Cache
	stamp int32

	fd      int
	pageNum int32
	layout  record.Layout
}

// Valid reports whether the handle still addresses the page it was
// created for.
func (h *Handle) Valid() bool {
	return h.stamp == h.frame.stamp.Load()
}

// Page returns the frame's bytes, or ErrInvalidTimestamp when the frame
// was reclaimed. Callers holding a handle across a suspension point must
// re-fetch the bytes through this check afterwards.
func (h *Handle) Page() (*disk.Page, error) {
	if !h.Valid() {
		return nil, errors.Wrapf(dberr.ErrInvalidTimestamp,
			"page %d of fd %d (stamp %d)", h.pageNum, h.fd, h.stamp)
	}
	return h.frame.page, nil
}

// Frame exposes the underlying frame for lock acquisition.
func (h *Handle) Frame() *Frame { return h.frame }

// PageNum is the logical page number the handle addresses.
func (h *Handle) PageNum() int32 { return h.pageNum }

// FD is the file the page belongs to.
func (h *Handle) FD() int { return h.fd }

// Layout is the record layout the frame was last initialized with.
func (h *Handle) Layout() record.Layout { return h.layout }

// Stamp is the generation this handle was issued at.
func (h *Handle) Stamp() int32 { return h.stamp }

// Bundle reports which bundle backs the handle.
func (h *Handle) Bundle() BundleKind { return h.frame.bundle }

// MarkDirty flags the frame for write-back. Stale handles must not dirty
// a reclaimed frame.
func (h *Handle) MarkDirty() error {
	if !h.Valid() {
		return errors.Wrapf(dberr.ErrInvalidTimestamp, "mark dirty on page %d", h.pageNum)
	}
	h.frame.dirty.Store(true)
	return nil
}

// Dirty reports the frame's dirty flag.
func (h *Handle) Dirty() bool { return h.frame.dirty.Load() }

// Pin prevents the frame from being chosen for replacement.
func (h *Handle) Pin() { h.frame.pinned.Store(true) }

// Unpin makes the frame evictable again.
func (h *Handle) Unpin() { h.frame.pinned.Store(false) }

// Touch bumps the frame's usage counter; replacement picks the minimum.
func (h *Handle) Touch() { h.frame.usage.Add(1) }

// bundle is a fixed array of frames with a used-slot scan.
type bundle struct {
	kind   BundleKind
	frames []*Frame
}

func newBundle(kind BundleKind, pages []*disk.Page) *bundle {
	b := &bundle{kind: kind, frames: make([]*Frame, len(pages))}
	for i, pg := range pages {
		b.frames[i] = &Frame{page: pg, frameID: int32(i), bundle: kind}
	}
	return b
}

// find returns the used frame holding (fd, pageNum), or nil.
func (b *bundle) find(fd int, pageNum int32) *Frame {
	for _, f := range b.frames {
		if f.used && f.fd == fd && f.pageNum == pageNum {
			return f
		}
	}
	return nil
}

// firstFree returns an unused frame, or nil when the bundle is full.
func (b *bundle) firstFree() *Frame {
	for _, f := range b.frames {
		if !f.used {
			return f
		}
	}
	return nil
}

// minUsageVictim picks the unpinned used frame with the smallest usage
// counter, breaking ties toward the lowest frame id. Pinned frames are
// never chosen. Returns nil when every used frame is pinned.
func (b *bundle) minUsageVictim() *Frame {
	var victim *Frame
	for _, f := range b.frames {
		if !f.used || f.evicting || f.pinned.Load() {
			continue
		}
		if victim == nil || f.usage.Load() < victim.usage.Load() {
			victim = f
		}
	}
	return victim
}
