package heap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Suhail-Mohamed/CoroDB/pkg/concurrency"
	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

type heapHarness struct {
	cache *memory.Cache
	file  *os.File
}

func newHeapHarness(t *testing.T) *heapHarness {
	t.Helper()
	ioPages := make([]*disk.Page, 8)
	for i := range ioPages {
		ioPages[i] = new(disk.Page)
	}
	ring, err := disk.NewRing(ioPages, nil, nil)
	require.NoError(t, err)
	pool := concurrency.NewPool(2, nil, nil)
	reaper := disk.StartReaper(ring, pool, nil)
	cache := memory.NewCache(ring, reaper, ioPages, 8, nil, nil)

	f, err := os.Create(filepath.Join(t.TempDir(), "table_data"))
	require.NoError(t, err)

	t.Cleanup(func() {
		reaper.Stop()
		pool.Stop()
		ring.Close()
		_ = f.Close()
	})
	return &heapHarness{cache: cache, file: f}
}

func (h *heapHarness) fd() int { return int(h.file.Fd()) }

func heapLayout() record.Layout {
	return record.Layout{types.NewIntType(), types.NewStringType(8)}
}

func makeRec(n int32, s string) record.Record {
	return record.Record{types.NewIntField(n), types.NewStringField(s)}
}

// createPage opens a handler over a fresh non-persistent page.
func (h *heapHarness) createPage(t *testing.T, pageNum int32) *PageHandler {
	t.Helper()
	handle, err := h.cache.CreatePage(h.fd(), pageNum, heapLayout())
	require.NoError(t, err)
	ph, err := NewPageHandler(h.cache, handle)
	require.NoError(t, err)
	return ph
}

// readPage opens a handler over a page already on disk.
func (h *heapHarness) readPage(t *testing.T, pageNum int32) *PageHandler {
	t.Helper()
	handle, err := h.cache.ReadPage(h.fd(), pageNum, heapLayout())
	require.NoError(t, err)
	ph, err := NewPageHandler(h.cache, handle)
	require.NoError(t, err)
	return ph
}

func TestAddReadRoundTrip(t *testing.T) {
	h := newHeapHarness(t)
	ph := h.createPage(t, 0)

	recs := []record.Record{
		makeRec(1, "alpha"),
		makeRec(2, "beta"),
		makeRec(3, "gamma"),
	}
	for i, rec := range recs {
		rid, err := ph.Add(rec)
		require.NoError(t, err)
		assert.Equal(t, int32(0), rid.PageNum)
		assert.Equal(t, int32(i), rid.SlotNum)
	}
	require.Equal(t, int32(3), ph.NumRecords())

	for i, want := range recs {
		got, err := ph.Read(int32(i))
		require.NoError(t, err)
		assert.True(t, record.Equal(want, got), "slot %d: want %v got %v", i, want, got)
	}
	require.NoError(t, ph.Close())
}

func TestPersistAcrossClose(t *testing.T) {
	h := newHeapHarness(t)

	ph := h.createPage(t, 0)
	_, err := ph.Add(makeRec(11, "first"))
	require.NoError(t, err)
	_, err = ph.Add(makeRec(22, "second"))
	require.NoError(t, err)
	require.NoError(t, ph.Close())

	reopened := h.readPage(t, 0)
	require.Equal(t, int32(2), reopened.NumRecords())
	got, err := reopened.Read(1)
	require.NoError(t, err)
	assert.True(t, record.Equal(makeRec(22, "second"), got))
	require.NoError(t, reopened.Close())
}

func TestPageFull(t *testing.T) {
	h := newHeapHarness(t)
	ph := h.createPage(t, 0)

	perPage := (disk.PageSize - HeaderSize) / ph.RecordSize()
	for i := 0; i < perPage; i++ {
		_, err := ph.Add(makeRec(int32(i), "x"))
		require.NoError(t, err, "insert %d of %d", i, perPage)
	}
	assert.True(t, ph.IsFull())

	rid, err := ph.Add(makeRec(-1, "over"))
	assert.ErrorIs(t, err, dberr.ErrPageFull)
	assert.True(t, rid.IsNil())
	require.NoError(t, ph.Close())
}

func TestDeleteThenReadReportsDeleted(t *testing.T) {
	h := newHeapHarness(t)
	ph := h.createPage(t, 0)

	_, err := ph.Add(makeRec(1, "a"))
	require.NoError(t, err)
	_, err = ph.Add(makeRec(2, "b"))
	require.NoError(t, err)

	require.NoError(t, ph.Delete(0))

	_, err = ph.Read(0)
	assert.ErrorIs(t, err, dberr.ErrDeletedRecord)
	assert.ErrorIs(t, ph.Update(0, makeRec(9, "z")), dberr.ErrDeletedRecord)
	assert.ErrorIs(t, ph.Delete(0), dberr.ErrDeletedRecord)

	// The other slot is untouched.
	got, err := ph.Read(1)
	require.NoError(t, err)
	assert.True(t, record.Equal(makeRec(2, "b"), got))
	require.NoError(t, ph.Close())
}

func TestTombstoneSlotReused(t *testing.T) {
	h := newHeapHarness(t)
	ph := h.createPage(t, 0)

	for i := int32(0); i < 4; i++ {
		_, err := ph.Add(makeRec(i, "r"))
		require.NoError(t, err)
	}
	require.NoError(t, ph.Delete(1))
	require.NoError(t, ph.Delete(3))

	// The largest tombstone is taken first.
	rid, err := ph.Add(makeRec(33, "re3"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), rid.SlotNum)

	rid, err = ph.Add(makeRec(11, "re1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), rid.SlotNum)

	assert.Equal(t, int32(4), ph.NumRecords(), "reuse must not grow the page")
	require.NoError(t, ph.Close())
}

func TestCompactionOnClose(t *testing.T) {
	h := newHeapHarness(t)
	ph := h.createPage(t, 0)

	for i := int32(0); i < 6; i++ {
		_, err := ph.Add(makeRec(i, "v"))
		require.NoError(t, err)
	}
	require.NoError(t, ph.Delete(1))
	require.NoError(t, ph.Delete(4))
	require.NoError(t, ph.Close())

	// Live records survive in insertion order, squeezed together.
	reopened := h.readPage(t, 0)
	require.Equal(t, int32(4), reopened.NumRecords())
	want := []int32{0, 2, 3, 5}
	for slot, n := range want {
		got, err := reopened.Read(int32(slot))
		require.NoError(t, err)
		assert.True(t, record.Equal(makeRec(n, "v"), got), "slot %d", slot)
	}
	require.NoError(t, reopened.Close())
}

func TestUpdateInPlace(t *testing.T) {
	h := newHeapHarness(t)
	ph := h.createPage(t, 0)

	_, err := ph.Add(makeRec(5, "old"))
	require.NoError(t, err)
	require.NoError(t, ph.Update(0, makeRec(5, "new")))

	got, err := ph.Read(0)
	require.NoError(t, err)
	assert.True(t, record.Equal(makeRec(5, "new"), got))
	require.NoError(t, ph.Close())
}

func TestOutOfRangeSlots(t *testing.T) {
	h := newHeapHarness(t)
	ph := h.createPage(t, 0)

	_, err := ph.Read(0)
	assert.ErrorIs(t, err, dberr.ErrPageEmpty)

	_, err = ph.Add(makeRec(1, "a"))
	require.NoError(t, err)

	_, err = ph.Read(7)
	assert.ErrorIs(t, err, dberr.ErrInvalidOffset)
	assert.ErrorIs(t, ph.Delete(7), dberr.ErrInvalidOffset)
	assert.ErrorIs(t, ph.Update(-1, makeRec(0, "")), dberr.ErrInvalidOffset)
	require.NoError(t, ph.Close())
}

func TestStaleHandleSurfacesInvalidTimestamp(t *testing.T) {
	h := newHeapHarness(t)

	ph := h.createPage(t, 0)
	_, err := ph.Add(makeRec(1, "a"))
	require.NoError(t, err)
	require.NoError(t, ph.Close())

	stale := h.readPage(t, 0)
	stale.handle.Unpin()

	// Seed eight more pages and hold them unpinned so every IO frame is
	// occupied; the next read must reclaim the minimum-usage frame,
	// which is the one behind the stale handler.
	var page disk.Page
	for n := int32(1); n <= 8; n++ {
		_, err := h.file.WriteAt(page[:], int64(n)*disk.PageSize)
		require.NoError(t, err)
	}
	held := make([]*memory.Handle, 0, 8)
	for n := int32(1); n <= 7; n++ {
		handle, err := h.cache.ReadPage(h.fd(), n, heapLayout())
		require.NoError(t, err)
		handle.Unpin()
		held = append(held, handle)
	}
	trigger, err := h.cache.ReadPage(h.fd(), 8, heapLayout())
	require.NoError(t, err)
	held = append(held, trigger)

	_, err = stale.Read(0)
	assert.ErrorIs(t, err, dberr.ErrInvalidTimestamp)

	for _, handle := range held {
		handle.Unpin()
		require.NoError(t, h.cache.Release(handle))
	}
}
