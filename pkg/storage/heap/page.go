// Package heap implements the slotted record-page layout:
//
//	[u32 record count][record 0][record 1]...[record n-1][free]
//
// Records are fixed size per the table's layout. Deletion tombstones a
// slot; tombstoned slots are reused by later inserts and physically
// removed by compaction when the page handler is closed dirty.
package heap

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
)

// HeaderSize is the record-count header at offset 0.
const HeaderSize = 4

// PageHandler owns a pinned frame holding one record page for its
// lifetime. The frame's reader/writer lock orders concurrent readers and
// the single writer; every access re-validates the handle's generation
// stamp first.
type PageHandler struct {
	handle *memory.Handle
	cache  *memory.Cache

	layout     record.Layout
	recordSize int
	numRecords int32
	cursor     int

	// tombstones holds slots pending compaction, sorted descending so
	// the largest is reused first.
	tombstones []int32

	closed bool
}

// NewPageHandler wraps a cache handle. A non-persistent (freshly created)
// frame starts empty; an IO frame is parsed from its header.
func NewPageHandler(cache *memory.Cache, h *memory.Handle) (*PageHandler, error) {
	page, err := h.Page()
	if err != nil {
		return nil, err
	}
	h.Pin()

	ph := &PageHandler{
		handle:     h,
		cache:      cache,
		layout:     h.Layout(),
		recordSize: h.Layout().ByteSize(),
	}
	// A freshly created frame is zeroed, so parsing the header covers
	// both new pages (count 0) and pages read back from disk.
	ph.numRecords = int32(binary.LittleEndian.Uint32(page[:]))
	ph.cursor = HeaderSize + ph.recordSize*int(ph.numRecords)
	return ph, nil
}

// NumRecords is the count of slots on the page, tombstoned ones included.
func (ph *PageHandler) NumRecords() int32 { return ph.numRecords }

// RecordSize is the fixed width of one record under this page's layout.
func (ph *PageHandler) RecordSize() int { return ph.recordSize }

// IsFull reports whether appending one more record would overflow the
// page. A full page may still accept inserts into tombstoned slots.
func (ph *PageHandler) IsFull() bool {
	return ph.cursor+ph.recordSize > disk.PageSize
}

// Add inserts the record, preferring the largest tombstoned slot, and
// returns the slot it landed in. ErrPageFull signals the caller to move
// on to a fresh page.
func (ph *PageHandler) Add(rec record.Record) (record.RecID, error) {
	ph.handle.Frame().RWMu.Lock()
	defer ph.handle.Frame().RWMu.Unlock()

	page, err := ph.handle.Page()
	if err != nil {
		return record.NilRecID, err
	}

	if len(ph.tombstones) > 0 {
		slot := ph.tombstones[0]
		if err := rec.Encode(page[ph.slotOffset(slot):], ph.layout); err != nil {
			return record.NilRecID, err
		}
		ph.tombstones = ph.tombstones[1:]
		ph.markDirty()
		return record.RecID{PageNum: ph.handle.PageNum(), SlotNum: slot}, nil
	}

	if ph.IsFull() {
		return record.PageFilled, errors.Wrapf(dberr.ErrPageFull,
			"page %d holds %d records", ph.handle.PageNum(), ph.numRecords)
	}

	if err := rec.Encode(page[ph.cursor:], ph.layout); err != nil {
		return record.NilRecID, err
	}
	slot := ph.numRecords
	ph.numRecords++
	ph.cursor += ph.recordSize
	ph.markDirty()
	return record.RecID{PageNum: ph.handle.PageNum(), SlotNum: slot}, nil
}

// Delete tombstones a slot; the bytes stay until compaction.
func (ph *PageHandler) Delete(slot int32) error {
	ph.handle.Frame().RWMu.Lock()
	defer ph.handle.Frame().RWMu.Unlock()

	if _, err := ph.handle.Page(); err != nil {
		return err
	}
	if slot < 0 || slot >= ph.numRecords {
		return errors.Wrapf(dberr.ErrInvalidOffset, "delete slot %d of %d", slot, ph.numRecords)
	}
	if ph.isTombstoned(slot) {
		return errors.Wrapf(dberr.ErrDeletedRecord, "slot %d already deleted", slot)
	}
	ph.insertTombstone(slot)
	ph.markDirty()
	return nil
}

// Update overwrites a live slot in place.
func (ph *PageHandler) Update(slot int32, rec record.Record) error {
	ph.handle.Frame().RWMu.Lock()
	defer ph.handle.Frame().RWMu.Unlock()

	page, err := ph.handle.Page()
	if err != nil {
		return err
	}
	if slot < 0 || slot >= ph.numRecords {
		return errors.Wrapf(dberr.ErrInvalidOffset, "update slot %d of %d", slot, ph.numRecords)
	}
	if ph.isTombstoned(slot) {
		return errors.Wrapf(dberr.ErrDeletedRecord, "update of deleted slot %d", slot)
	}
	if err := rec.Encode(page[ph.slotOffset(slot):], ph.layout); err != nil {
		return err
	}
	ph.markDirty()
	return nil
}

// Read returns the record in a live slot under a shared lock.
func (ph *PageHandler) Read(slot int32) (record.Record, error) {
	ph.handle.Frame().RWMu.RLock()
	defer ph.handle.Frame().RWMu.RUnlock()

	page, err := ph.handle.Page()
	if err != nil {
		return nil, err
	}
	if ph.numRecords == 0 {
		return nil, errors.Wrapf(dberr.ErrPageEmpty, "read slot %d", slot)
	}
	if slot < 0 || slot >= ph.numRecords {
		return nil, errors.Wrapf(dberr.ErrInvalidOffset, "read slot %d of %d", slot, ph.numRecords)
	}
	if ph.isTombstoned(slot) {
		return nil, errors.Wrapf(dberr.ErrDeletedRecord, "read of deleted slot %d", slot)
	}
	return record.Decode(page[ph.slotOffset(slot):], ph.layout)
}

// Close compacts a dirty page, persists the record count and releases the
// underlying frame. The handler must not be used afterwards.
func (ph *PageHandler) Close() error {
	if ph.closed {
		return nil
	}
	ph.closed = true

	if ph.handle.Dirty() && ph.handle.Valid() {
		ph.handle.Frame().RWMu.Lock()
		ph.compact()
		ph.writeHeader()
		ph.handle.Frame().RWMu.Unlock()
	}
	ph.handle.Unpin()
	return ph.cache.Release(ph.handle)
}

// compact removes tombstoned slots by shifting the records behind each
// one down. Tombstones are processed largest-first so earlier slots keep
// their indices while later ones are squeezed out.
func (ph *PageHandler) compact() {
	if len(ph.tombstones) == 0 {
		return
	}
	page, err := ph.handle.Page()
	if err != nil {
		return
	}
	for _, slot := range ph.tombstones {
		for rec := slot; rec < ph.numRecords-1; rec++ {
			from := ph.slotOffset(rec + 1)
			to := ph.slotOffset(rec)
			copy(page[to:to+ph.recordSize], page[from:from+ph.recordSize])
		}
		ph.numRecords--
	}
	ph.tombstones = nil
	ph.cursor = HeaderSize + ph.recordSize*int(ph.numRecords)
}

func (ph *PageHandler) writeHeader() {
	page, err := ph.handle.Page()
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint32(page[:], uint32(ph.numRecords))
}

func (ph *PageHandler) slotOffset(slot int32) int {
	return HeaderSize + int(slot)*ph.recordSize
}

func (ph *PageHandler) markDirty() {
	_ = ph.handle.MarkDirty()
	ph.handle.Touch()
}

func (ph *PageHandler) isTombstoned(slot int32) bool {
	for _, t := range ph.tombstones {
		if t == slot {
			return true
		}
	}
	return false
}

// insertTombstone keeps the set sorted descending.
func (ph *PageHandler) insertTombstone(slot int32) {
	i := sort.Search(len(ph.tombstones), func(i int) bool {
		return ph.tombstones[i] < slot
	})
	ph.tombstones = append(ph.tombstones, 0)
	copy(ph.tombstones[i+1:], ph.tombstones[i:])
	ph.tombstones[i] = slot
}
