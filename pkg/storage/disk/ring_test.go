package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Suhail-Mohamed/CoroDB/pkg/concurrency"
	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
)

type ringHarness struct {
	ring   *Ring
	reaper *Reaper
	pool   *concurrency.Pool
	bufs   []*Page
}

func newRingHarness(t *testing.T, ringSize int) *ringHarness {
	t.Helper()
	bufs := make([]*Page, ringSize)
	for i := range bufs {
		bufs[i] = new(Page)
	}
	ring, err := NewRing(bufs, nil, nil)
	require.NoError(t, err)

	pool := concurrency.NewPool(2, nil, nil)
	reaper := StartReaper(ring, pool, nil)

	t.Cleanup(func() {
		reaper.Stop()
		pool.Stop()
		ring.Close()
	})
	return &ringHarness{ring: ring, reaper: reaper, pool: pool, bufs: bufs}
}

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "pages"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestRingSizeMustBePowerOfTwo(t *testing.T) {
	for _, n := range []int{0, 3, 6, 500} {
		bufs := make([]*Page, n)
		for i := range bufs {
			bufs[i] = new(Page)
		}
		_, err := NewRing(bufs, nil, nil)
		assert.Error(t, err, "size %d", n)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	h := newRingHarness(t, 4)
	f := tempFile(t)
	fd := int(f.Fd())

	var page Page
	for i := range page {
		page[i] = byte(i % 251)
	}

	write := NewWriteSQE(fd, 0, &page)
	h.reaper.Submit(write)
	_, err := write.Await()
	require.NoError(t, err)
	assert.Equal(t, int32(PageSize), write.Status)

	read := NewReadSQE(fd, 0)
	h.reaper.Submit(read)
	bufID, err := read.Await()
	require.NoError(t, err)
	require.GreaterOrEqual(t, bufID, int32(0))
	assert.Equal(t, page, *h.ring.Buffer(bufID))

	h.ring.ReturnBuffer(bufID)
}

func TestReadSelectsDistinctBuffers(t *testing.T) {
	h := newRingHarness(t, 4)
	f := tempFile(t)
	fd := int(f.Fd())

	var page Page
	for n := int64(0); n < 3; n++ {
		page[0] = byte(n)
		w := NewWriteSQE(fd, n*PageSize, &page)
		h.reaper.Submit(w)
		_, err := w.Await()
		require.NoError(t, err)
	}

	seen := map[int32]bool{}
	for n := int64(0); n < 3; n++ {
		r := NewReadSQE(fd, n*PageSize)
		h.reaper.Submit(r)
		bufID, err := r.Await()
		require.NoError(t, err)
		assert.False(t, seen[bufID], "buffer %d selected twice", bufID)
		seen[bufID] = true
		assert.Equal(t, byte(n), h.ring.Buffer(bufID)[0])
	}
	for id := range seen {
		h.ring.ReturnBuffer(id)
	}
}

func TestReturnedBufferIsReused(t *testing.T) {
	h := newRingHarness(t, 2)
	f := tempFile(t)
	fd := int(f.Fd())

	w := NewWriteSQE(fd, 0, new(Page))
	h.reaper.Submit(w)
	_, err := w.Await()
	require.NoError(t, err)

	ids := make([]int32, 0, 4)
	for i := 0; i < 4; i++ {
		r := NewReadSQE(fd, 0)
		h.reaper.Submit(r)
		bufID, err := r.Await()
		require.NoError(t, err)
		ids = append(ids, bufID)
		h.ring.ReturnBuffer(bufID)
	}
	// With every buffer returned before the next read, four reads complete
	// on a two-buffer ring: returned buffers are selected again instead of
	// the ring running out.
	assert.Len(t, ids, 4)
}

func TestShortReadZeroFillsTail(t *testing.T) {
	h := newRingHarness(t, 4)
	f := tempFile(t)
	fd := int(f.Fd())

	// File holds half a page; the rest of the buffer must not leak old
	// contents.
	half := make([]byte, PageSize/2)
	for i := range half {
		half[i] = 0xAB
	}
	_, err := f.WriteAt(half, 0)
	require.NoError(t, err)

	r := NewReadSQE(fd, 0)
	h.reaper.Submit(r)
	bufID, err := r.Await()
	require.NoError(t, err)

	buf := h.ring.Buffer(bufID)
	assert.Equal(t, byte(0xAB), buf[0])
	for i := PageSize / 2; i < PageSize; i++ {
		require.Zero(t, buf[i], "offset %d not zeroed", i)
	}
	h.ring.ReturnBuffer(bufID)
}

func TestFailedReadSurfacesIoFailure(t *testing.T) {
	h := newRingHarness(t, 4)

	r := NewReadSQE(-1, 0)
	h.reaper.Submit(r)
	_, err := r.Await()
	require.Error(t, err)
	assert.ErrorIs(t, err, dberr.ErrIoFailure)
	assert.Negative(t, r.Status)
}

func TestFailedWriteSurfacesIoFailure(t *testing.T) {
	h := newRingHarness(t, 4)

	w := NewWriteSQE(-1, 0, new(Page))
	h.reaper.Submit(w)
	_, err := w.Await()
	assert.ErrorIs(t, err, dberr.ErrIoFailure)
}
