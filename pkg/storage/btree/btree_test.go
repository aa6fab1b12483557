package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Suhail-Mohamed/CoroDB/pkg/concurrency"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

type treeHarness struct {
	cache *memory.Cache
	dir   string
}

func newTreeHarness(t *testing.T) *treeHarness {
	t.Helper()
	ioPages := make([]*disk.Page, 16)
	for i := range ioPages {
		ioPages[i] = new(disk.Page)
	}
	ring, err := disk.NewRing(ioPages, nil, nil)
	require.NoError(t, err)
	pool := concurrency.NewPool(2, nil, nil)
	reaper := disk.StartReaper(ring, pool, nil)
	cache := memory.NewCache(ring, reaper, ioPages, 16, nil, nil)

	t.Cleanup(func() {
		reaper.Stop()
		pool.Stop()
		ring.Close()
	})
	return &treeHarness{cache: cache, dir: t.TempDir()}
}

// order4Layout yields a tree of order exactly 4: twenty 50-byte strings
// make a 1000-byte key, and (4096-29)/(1000+8) = 4.
func order4Layout() record.Layout {
	layout := make(record.Layout, 20)
	for i := range layout {
		layout[i] = types.NewStringType(50)
	}
	return layout
}

// order4Key builds a composite key whose order is carried by the first
// attribute; the rest stay empty.
func order4Key(n int) record.Record {
	rec := make(record.Record, 20)
	rec[0] = types.NewStringField(fmt.Sprintf("%04d", n))
	for i := 1; i < 20; i++ {
		rec[i] = types.NewStringField("")
	}
	return rec
}

func intLayout() record.Layout {
	return record.Layout{types.NewIntType()}
}

func intKey(n int32) record.Record {
	return record.Record{types.NewIntField(n)}
}

func (h *treeHarness) createTree(t *testing.T, name string, layout record.Layout) *BTree {
	t.Helper()
	tree, err := CreateTree(h.cache,
		filepath.Join(h.dir, name+".meta"),
		filepath.Join(h.dir, name+".data"),
		layout, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tree.Close()
		_ = tree.File().Close()
	})
	return tree
}

func rid(n int32) record.RecID {
	return record.RecID{PageNum: n / 100, SlotNum: n % 100}
}

// leafKeys reads the keys of one node through the shared handler.
func leafKeys(t *testing.T, tree *BTree, pageNum int32) []string {
	t.Helper()
	n, err := tree.getNode(pageNum)
	require.NoError(t, err)
	defer tree.release(n)

	out := make([]string, 0, n.numKeys())
	for _, k := range n.keys {
		out = append(out, k[0].String())
	}
	return out
}

func TestOrderComputation(t *testing.T) {
	h := newTreeHarness(t)

	tree := h.createTree(t, "ord4", order4Layout())
	assert.Equal(t, int32(4), tree.Meta().Order)
	assert.Equal(t, int32(2), tree.Meta().MinChildren())

	intTree := h.createTree(t, "int", intLayout())
	assert.Equal(t, int32((disk.PageSize-PageHeaderSize)/(4+record.RecIDSize)), intTree.Meta().Order)
}

func TestOrderMustExceedTwo(t *testing.T) {
	assert.Panics(t, func() {
		// A 2000-byte key gives order 2.
		layout := make(record.Layout, 40)
		for i := range layout {
			layout[i] = types.NewStringType(50)
		}
		_, _ = NewMeta(layout, filepath.Join(t.TempDir(), "meta"))
	})
}

func TestInsertAndMatchSingleLeaf(t *testing.T) {
	h := newTreeHarness(t)
	tree := h.createTree(t, "t", order4Layout())

	require.NoError(t, tree.InsertEntry(order4Key(2), rid(2)))
	require.NoError(t, tree.InsertEntry(order4Key(1), rid(1)))
	require.NoError(t, tree.InsertEntry(order4Key(3), rid(3)))

	for _, n := range []int32{1, 2, 3} {
		matches, err := tree.GetMatches(order4Key(int(n)))
		require.NoError(t, err)
		assert.Equal(t, []record.RecID{rid(n)}, matches)
	}

	matches, err := tree.GetMatches(order4Key(99))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLeafSplit(t *testing.T) {
	h := newTreeHarness(t)
	tree := h.createTree(t, "t", order4Layout())

	for n := 1; n <= 5; n++ {
		require.NoError(t, tree.InsertEntry(order4Key(n), rid(int32(n))))
	}

	meta := tree.Meta()
	require.NotEqual(t, meta.FirstLeaf, meta.LastLeaf, "tree must have split")

	assert.Equal(t, []string{"0001", "0002"}, leafKeys(t, tree, meta.FirstLeaf))
	assert.Equal(t, []string{"0003", "0004", "0005"}, leafKeys(t, tree, meta.LastLeaf))
	assert.Equal(t, []string{"0002", "0005"}, leafKeys(t, tree, meta.RootPage))

	// Leaves are chained both ways.
	first, err := tree.getNode(meta.FirstLeaf)
	require.NoError(t, err)
	assert.Equal(t, meta.LastLeaf, first.hdr.NextLeaf)
	assert.Equal(t, NoLeaf, first.hdr.PrevLeaf)
	tree.release(first)

	last, err := tree.getNode(meta.LastLeaf)
	require.NoError(t, err)
	assert.Equal(t, meta.FirstLeaf, last.hdr.PrevLeaf)
	assert.Equal(t, NoLeaf, last.hdr.NextLeaf)
	tree.release(last)

	checkInvariants(t, tree)
}

func TestMergeAfterDeletesAndFreeListReuse(t *testing.T) {
	h := newTreeHarness(t)
	tree := h.createTree(t, "t", order4Layout())

	for n := 1; n <= 5; n++ {
		require.NoError(t, tree.InsertEntry(order4Key(n), rid(int32(n))))
	}
	oldRoot := tree.Meta().RootPage
	oldLastLeaf := tree.Meta().LastLeaf

	for _, n := range []int{5, 4, 3} {
		require.NoError(t, tree.DeleteEntry(order4Key(n), rid(int32(n))))
	}

	meta := tree.Meta()
	assert.Equal(t, meta.FirstLeaf, meta.LastLeaf, "tree must be a single leaf again")
	assert.Equal(t, meta.RootPage, meta.FirstLeaf)
	assert.Equal(t, []string{"0001", "0002"}, leafKeys(t, tree, meta.RootPage))

	// Both released pages sit on the free list: the collapsed root on
	// top, the merged-away last leaf beneath it.
	require.Equal(t, oldRoot, meta.FirstFreePage)
	freed, err := tree.getNode(meta.FirstFreePage)
	require.NoError(t, err)
	assert.Equal(t, oldLastLeaf, freed.hdr.NextFree)
	tree.release(freed)

	// The next split reuses both freed pages instead of growing the file.
	pagesBefore := meta.NumPages
	for n := 6; n <= 8; n++ {
		require.NoError(t, tree.InsertEntry(order4Key(n), rid(int32(n))))
	}
	assert.Equal(t, pagesBefore, tree.Meta().NumPages, "split must reuse free-listed pages")
	assert.Equal(t, NoFreePage, tree.Meta().FirstFreePage)
	checkInvariants(t, tree)
}

func TestDuplicateKeys(t *testing.T) {
	h := newTreeHarness(t)
	tree := h.createTree(t, "t", order4Layout())

	key := order4Key(7)
	rids := []record.RecID{rid(1), rid(2), rid(3)}
	for _, r := range rids {
		require.NoError(t, tree.InsertEntry(key, r))
	}
	require.NoError(t, tree.InsertEntry(order4Key(5), rid(50)))
	require.NoError(t, tree.InsertEntry(order4Key(9), rid(90)))

	matches, err := tree.GetMatches(key)
	require.NoError(t, err)
	assert.ElementsMatch(t, rids, matches)

	// Deleting one rid leaves the other duplicates in place.
	require.NoError(t, tree.DeleteEntry(key, rid(2)))
	matches, err = tree.GetMatches(key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []record.RecID{rid(1), rid(3)}, matches)
	checkInvariants(t, tree)
}

func TestIterationSortedAndComplete(t *testing.T) {
	h := newTreeHarness(t)
	tree := h.createTree(t, "t", order4Layout())

	const count = 50
	perm := rand.New(rand.NewSource(1)).Perm(count)
	for _, n := range perm {
		require.NoError(t, tree.InsertEntry(order4Key(n), rid(int32(n))))
	}
	checkInvariants(t, tree)

	var visited []string
	end, err := tree.LeafEnd()
	require.NoError(t, err)
	for it := tree.LeafBegin(); it != end; {
		n, err := tree.getNode(it.PageNum)
		require.NoError(t, err)
		k, err := n.key(it.Idx)
		require.NoError(t, err)
		visited = append(visited, k[0].String())
		it, err = tree.advance(it, n)
		tree.release(n)
		require.NoError(t, err)
	}

	require.Len(t, visited, count)
	for i := 1; i < len(visited); i++ {
		assert.LessOrEqual(t, visited[i-1], visited[i], "keys out of order at %d", i)
	}
}

func TestDeleteEverything(t *testing.T) {
	h := newTreeHarness(t)
	tree := h.createTree(t, "t", order4Layout())

	const count = 30
	for n := 0; n < count; n++ {
		require.NoError(t, tree.InsertEntry(order4Key(n), rid(int32(n))))
	}
	perm := rand.New(rand.NewSource(2)).Perm(count)
	for _, n := range perm {
		require.NoError(t, tree.DeleteEntry(order4Key(n), rid(int32(n))))
	}

	for n := 0; n < count; n++ {
		matches, err := tree.GetMatches(order4Key(n))
		require.NoError(t, err)
		assert.Empty(t, matches, "key %d still present", n)
	}
	meta := tree.Meta()
	assert.Equal(t, meta.RootPage, meta.FirstLeaf)
	assert.Equal(t, meta.RootPage, meta.LastLeaf)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	h := newTreeHarness(t)
	metaPath := filepath.Join(h.dir, "p.meta")
	dataPath := filepath.Join(h.dir, "p.data")

	tree, err := CreateTree(h.cache, metaPath, dataPath, order4Layout(), nil)
	require.NoError(t, err)
	for n := 0; n < 20; n++ {
		require.NoError(t, tree.InsertEntry(order4Key(n), rid(int32(n))))
	}
	require.NoError(t, tree.Close())
	require.NoError(t, h.cache.FlushAll())
	require.NoError(t, tree.File().Close())

	reopened, err := OpenTree(h.cache, metaPath, dataPath, nil)
	require.NoError(t, err)
	defer func() {
		_ = reopened.Close()
		_ = reopened.File().Close()
	}()

	assert.Equal(t, tree.Meta().Order, reopened.Meta().Order)
	assert.Equal(t, tree.Meta().KeyLayout, reopened.Meta().KeyLayout)
	for n := 0; n < 20; n++ {
		matches, err := reopened.GetMatches(order4Key(n))
		require.NoError(t, err)
		assert.Equal(t, []record.RecID{rid(int32(n))}, matches, "key %d", n)
	}
	checkInvariants(t, reopened)
}

func TestLargeIntTree(t *testing.T) {
	h := newTreeHarness(t)
	tree := h.createTree(t, "big", intLayout())

	const count = 1000
	perm := rand.New(rand.NewSource(3)).Perm(count)
	for _, n := range perm {
		require.NoError(t, tree.InsertEntry(intKey(int32(n)), rid(int32(n))))
	}
	for n := int32(0); n < count; n++ {
		matches, err := tree.GetMatches(intKey(n))
		require.NoError(t, err)
		require.Equal(t, []record.RecID{rid(n)}, matches, "key %d", n)
	}
	checkInvariants(t, tree)
}

// checkInvariants verifies the structural invariants: every interior key
// equals the max key of its child's subtree, children point back at their
// parents, non-root nodes respect the occupancy floor, and the leaf chain
// covers exactly the leaves reachable from the root.
func checkInvariants(t *testing.T, tree *BTree) {
	t.Helper()
	meta := tree.Meta()
	leaves := map[int32]bool{}
	checkSubtree(t, tree, meta.RootPage, true, leaves)

	// Walk the chain from FirstLeaf; it must visit every leaf seen from
	// the root, in order, ending at LastLeaf.
	seen := 0
	prev := NoLeaf
	for page := meta.FirstLeaf; page != NoLeaf; {
		n, err := tree.getNode(page)
		require.NoError(t, err)
		require.True(t, n.isLeaf(), "chained page %d is not a leaf", page)
		assert.True(t, leaves[page], "chained leaf %d unreachable from root", page)
		assert.Equal(t, prev, n.hdr.PrevLeaf, "leaf %d prev link", page)
		seen++
		prev = page
		next := n.hdr.NextLeaf
		tree.release(n)
		if page == meta.LastLeaf {
			break
		}
		page = next
	}
	assert.Equal(t, len(leaves), seen, "leaf chain misses leaves")
	assert.Equal(t, meta.LastLeaf, prev)
}

// checkSubtree returns the subtree's max key while validating it.
func checkSubtree(t *testing.T, tree *BTree, pageNum int32, isRoot bool, leaves map[int32]bool) record.Record {
	t.Helper()
	n, err := tree.getNode(pageNum)
	require.NoError(t, err)
	defer tree.release(n)

	require.Equal(t, n.numKeys(), n.numChildren(), "node %d parallel arrays diverge", pageNum)
	if !isRoot {
		assert.GreaterOrEqual(t, n.numChildren(), tree.Meta().MinChildren(), "node %d under-full", pageNum)
	}
	assert.LessOrEqual(t, n.numChildren(), tree.Meta().Order, "node %d over-full", pageNum)

	for i := 1; i < len(n.keys); i++ {
		assert.LessOrEqual(t, record.Compare(n.keys[i-1], n.keys[i]), 0, "node %d keys out of order", pageNum)
	}

	if n.isLeaf() {
		leaves[pageNum] = true
		if n.numKeys() == 0 {
			return nil
		}
		return n.maxKey()
	}

	for i := int32(0); i < n.numChildren(); i++ {
		childRid, err := n.rid(i)
		require.NoError(t, err)
		child, err := tree.getNode(childRid.PageNum)
		require.NoError(t, err)
		assert.Equal(t, pageNum, child.hdr.Parent, "child %d has wrong parent", childRid.PageNum)
		tree.release(child)

		childMax := checkSubtree(t, tree, childRid.PageNum, false, leaves)
		key, err := n.key(i)
		require.NoError(t, err)
		assert.Zero(t, record.Compare(key, childMax),
			"node %d key %d (%v) is not subtree max (%v)", pageNum, i, key, childMax)
	}
	return n.maxKey()
}
