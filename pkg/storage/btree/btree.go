package btree

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
)

// IndexID addresses one entry inside the tree: a node page and an index
// within it. It is a cursor, never persisted.
type IndexID struct {
	PageNum int32
	Idx     int32
}

// BTree is a composite-key B+tree over one INDEX_DATA file. Interior
// nodes pair each key with the page of the subtree whose maximum it is;
// leaves pair keys with record ids into the table. A tree has a single
// writer; its metadata counters are owned by that writer.
type BTree struct {
	cache *memory.Cache
	meta  *Meta
	file  *os.File
	log   *zap.Logger

	// mu serializes whole tree operations; the node registry and the
	// metadata counters have exactly one owner at a time.
	mu sync.Mutex

	// nodes shares one handler per open page so every view of a page
	// inside an operation observes the same pending state.
	nodes map[int32]*node
}

// Open wires a tree over its metadata and page file.
func Open(cache *memory.Cache, meta *Meta, file *os.File, log *zap.Logger) *BTree {
	if log == nil {
		log = zap.NewNop()
	}
	return &BTree{
		cache: cache,
		meta:  meta,
		file:  file,
		log:   log,
		nodes: make(map[int32]*node),
	}
}

// Meta exposes the tree's metadata (order, leaf ends, page count).
func (t *BTree) Meta() *Meta { return t.meta }

// Close persists the metadata. Every node taken by an operation has been
// released by the time an operation returns; a leftover is a bug.
func (t *BTree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.nodes) != 0 {
		t.log.Warn("closing btree with open nodes", zap.Int("count", len(t.nodes)))
		for _, n := range t.nodes {
			_ = n.close()
		}
		t.nodes = make(map[int32]*node)
	}
	return t.meta.Save()
}

// InsertEntry adds (key, rid) to the tree, splitting overfull nodes on
// the way back up.
func (t *BTree) InsertEntry(key record.Record, rid record.RecID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, err := t.bound(key, (*node).upperBound)
	if err != nil {
		return err
	}
	n, err := t.getNode(pos.PageNum)
	if err != nil {
		return err
	}
	if err := n.insertKey(key, pos.Idx); err != nil {
		t.release(n)
		return err
	}
	if err := n.insertRid(rid, pos.Idx); err != nil {
		t.release(n)
		return err
	}

	// An append at the tail of the last leaf raises the tree's maximum;
	// every ancestor key on the right spine must follow.
	if pos.PageNum == t.meta.LastLeaf && pos.Idx == n.numKeys()-1 {
		if err := t.maintainParent(n); err != nil {
			t.release(n)
			return err
		}
	}

	for n.numChildren() > t.meta.Order {
		if n.hdr.Parent == NoParent {
			if err := t.growRoot(n); err != nil {
				t.release(n)
				return err
			}
		}
		parent, err := t.splitNode(n)
		if err != nil {
			t.release(n)
			return err
		}
		t.release(n)
		n = parent
	}
	t.release(n)
	return t.meta.Save()
}

// growRoot puts a fresh root above the overfull node n.
func (t *BTree) growRoot(n *node) error {
	root, err := t.createNode(false)
	if err != nil {
		return err
	}
	defer t.release(root)

	if err := root.insertRid(record.RecID{PageNum: n.pageNum, SlotNum: -1}, 0); err != nil {
		return err
	}
	if err := root.insertKey(n.maxKey(), 0); err != nil {
		return err
	}
	n.setParent(root.pageNum)
	t.meta.RootPage = root.pageNum
	return nil
}

// splitNode moves the upper half of n into a fresh sibling and records
// the split in the parent, which it returns (referenced) for the caller's
// overflow check.
func (t *BTree) splitNode(n *node) (*node, error) {
	sibling, err := t.createNode(n.isLeaf())
	if err != nil {
		return nil, err
	}
	defer t.release(sibling)

	hdr := newPageHeader(n.isLeaf())
	hdr.Parent = n.hdr.Parent
	sibling.setHeader(hdr)

	if n.isLeaf() {
		// Splice: [n] <-> [sibling] <-> [old next]
		oldNext := n.hdr.NextLeaf
		sibling.setNextLeaf(oldNext)
		sibling.setPrevLeaf(n.pageNum)
		n.setNextLeaf(sibling.pageNum)
		if oldNext != NoLeaf {
			next, err := t.getNode(oldNext)
			if err != nil {
				return nil, err
			}
			next.setPrevLeaf(sibling.pageNum)
			t.release(next)
		}
	}

	mid := n.numChildren() / 2
	if err := sibling.insertKeys(n.keys[mid:], 0); err != nil {
		return nil, err
	}
	if err := sibling.insertRids(n.rids[mid:], 0); err != nil {
		return nil, err
	}
	n.keys = n.keys[:mid]
	n.rids = n.rids[:mid]
	n.markDirty()

	if !sibling.isLeaf() {
		for i := int32(0); i < sibling.numChildren(); i++ {
			if err := t.maintainChild(sibling, i); err != nil {
				return nil, err
			}
		}
	}

	parent, err := t.getNode(n.hdr.Parent)
	if err != nil {
		return nil, err
	}
	childIdx := parent.findChild(n.pageNum)
	if err := parent.insertKey(n.maxKey(), childIdx); err != nil {
		t.release(parent)
		return nil, err
	}
	if err := parent.insertRid(record.RecID{PageNum: sibling.pageNum, SlotNum: -1}, childIdx+1); err != nil {
		t.release(parent)
		return nil, err
	}

	if n.isLeaf() && t.meta.LastLeaf == n.pageNum {
		t.meta.LastLeaf = sibling.pageNum
	}
	return parent, nil
}

// DeleteEntry removes the first entry in key's range whose record id
// matches, then fixes any underflow on the way back up.
func (t *BTree) DeleteEntry(key record.Record, rid record.RecID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lb, err := t.bound(key, (*node).lowerBound)
	if err != nil {
		return err
	}
	ub, err := t.bound(key, (*node).upperBound)
	if err != nil {
		return err
	}

	for it := lb; it != ub; {
		n, err := t.getNode(it.PageNum)
		if err != nil {
			return err
		}
		entry, err := n.rid(it.Idx)
		if err != nil {
			t.release(n)
			return err
		}
		if entry != rid {
			it, err = t.advance(it, n)
			t.release(n)
			if err != nil {
				return err
			}
			continue
		}

		if err := n.eraseKey(it.Idx); err != nil {
			t.release(n)
			return err
		}
		if err := n.eraseRid(it.Idx); err != nil {
			t.release(n)
			return err
		}
		// The leaf's maximum may have been the erased entry.
		if n.numKeys() > 0 {
			if err := t.maintainParent(n); err != nil {
				t.release(n)
				return err
			}
		}
		if err := t.rebalance(n); err != nil {
			return err
		}
		return t.meta.Save()
	}
	return t.meta.Save()
}

// rebalance restores the occupancy floor walking from n toward the root.
// It consumes the caller's reference on n.
func (t *BTree) rebalance(n *node) error {
	minChildren := t.meta.MinChildren()

	for n.numChildren() < minChildren {
		if n.hdr.Parent == NoParent {
			// Root underflow: collapse an interior root with a single
			// child; a root leaf simply tolerates it.
			if !n.isLeaf() && n.numKeys() <= 1 && n.numChildren() == 1 {
				only, err := n.rid(0)
				if err != nil {
					t.release(n)
					return err
				}
				child, err := t.getNode(only.PageNum)
				if err != nil {
					t.release(n)
					return err
				}
				child.setParent(NoParent)
				t.meta.RootPage = only.PageNum
				t.release(child)
				t.freeNode(n)
				t.release(n)
				return nil
			}
			break
		}

		parent, err := t.getNode(n.hdr.Parent)
		if err != nil {
			t.release(n)
			return err
		}
		childIdx := parent.findChild(n.pageNum)

		borrowed, err := t.tryBorrow(n, parent, childIdx, minChildren)
		if err != nil {
			t.release(parent)
			t.release(n)
			return err
		}
		if borrowed {
			t.release(parent)
			break
		}

		if err := t.merge(n, parent, childIdx); err != nil {
			t.release(parent)
			return err
		}
		n = parent
	}
	t.release(n)
	return nil
}

// tryBorrow takes one entry from a sibling with spare children: the left
// sibling's maximum onto n's front, else the right sibling's minimum onto
// n's back. A successful borrow ends rebalancing.
func (t *BTree) tryBorrow(n, parent *node, childIdx, minChildren int32) (bool, error) {
	if childIdx > 0 {
		sibRid, err := parent.rid(childIdx - 1)
		if err != nil {
			return false, err
		}
		left, err := t.getNode(sibRid.PageNum)
		if err != nil {
			return false, err
		}
		if left.numChildren() > minChildren {
			last := left.numChildren() - 1
			movedRid, _ := left.rid(last)
			if err := n.insertKey(left.maxKey(), 0); err != nil {
				t.release(left)
				return false, err
			}
			if err := n.insertRid(movedRid, 0); err != nil {
				t.release(left)
				return false, err
			}
			_ = left.eraseKey(last)
			_ = left.eraseRid(last)
			if err := t.maintainParent(left); err != nil {
				t.release(left)
				return false, err
			}
			if err := t.maintainChild(n, 0); err != nil {
				t.release(left)
				return false, err
			}
			t.release(left)
			return true, nil
		}
		t.release(left)
	}

	if childIdx+1 < parent.numChildren() {
		sibRid, err := parent.rid(childIdx + 1)
		if err != nil {
			return false, err
		}
		right, err := t.getNode(sibRid.PageNum)
		if err != nil {
			return false, err
		}
		if right.numChildren() > minChildren {
			movedRid, _ := right.rid(0)
			if err := n.pushBackKeys([]record.Record{right.minKey()}); err != nil {
				t.release(right)
				return false, err
			}
			if err := n.pushBackRids([]record.RecID{movedRid}); err != nil {
				t.release(right)
				return false, err
			}
			_ = right.eraseKey(0)
			_ = right.eraseRid(0)
			if err := t.maintainParent(n); err != nil {
				t.release(right)
				return false, err
			}
			if err := t.maintainChild(n, n.numChildren()-1); err != nil {
				t.release(right)
				return false, err
			}
			t.release(right)
			return true, nil
		}
		t.release(right)
	}
	return false, nil
}

// merge folds n into its left sibling, or the right sibling into n when n
// is the leftmost child. The absorbed node goes onto the free list and
// rebalancing continues with the parent. Consumes the reference on n.
func (t *BTree) merge(n, parent *node, childIdx int32) error {
	if childIdx > 0 {
		sibRid, err := parent.rid(childIdx - 1)
		if err != nil {
			t.release(n)
			return err
		}
		left, err := t.getNode(sibRid.PageNum)
		if err != nil {
			t.release(n)
			return err
		}
		start := left.numChildren()
		if err := left.pushBackKeys(n.keys); err != nil {
			t.release(left)
			t.release(n)
			return err
		}
		if err := left.pushBackRids(n.rids); err != nil {
			t.release(left)
			t.release(n)
			return err
		}
		for i := start; i < left.numChildren(); i++ {
			if err := t.maintainChild(left, i); err != nil {
				t.release(left)
				t.release(n)
				return err
			}
		}
		_ = parent.eraseKey(childIdx)
		_ = parent.eraseRid(childIdx)
		if err := t.maintainParent(left); err != nil {
			t.release(left)
			t.release(n)
			return err
		}
		if n.isLeaf() {
			if err := t.eraseLeaf(n); err != nil {
				t.release(left)
				t.release(n)
				return err
			}
			if t.meta.LastLeaf == n.pageNum {
				t.meta.LastLeaf = left.pageNum
			}
		}
		t.freeNode(n)
		t.release(left)
		t.release(n)
		return nil
	}

	sibRid, err := parent.rid(childIdx + 1)
	if err != nil {
		t.release(n)
		return err
	}
	right, err := t.getNode(sibRid.PageNum)
	if err != nil {
		t.release(n)
		return err
	}
	start := n.numChildren()
	if err := n.pushBackKeys(right.keys); err != nil {
		t.release(right)
		t.release(n)
		return err
	}
	if err := n.pushBackRids(right.rids); err != nil {
		t.release(right)
		t.release(n)
		return err
	}
	for i := start; i < n.numChildren(); i++ {
		if err := t.maintainChild(n, i); err != nil {
			t.release(right)
			t.release(n)
			return err
		}
	}
	_ = parent.eraseRid(childIdx + 1)
	_ = parent.eraseKey(childIdx)
	if err := t.maintainParent(n); err != nil {
		t.release(right)
		t.release(n)
		return err
	}
	if right.isLeaf() {
		if err := t.eraseLeaf(right); err != nil {
			t.release(right)
			t.release(n)
			return err
		}
		if t.meta.LastLeaf == right.pageNum {
			t.meta.LastLeaf = n.pageNum
		}
	}
	t.freeNode(right)
	t.release(right)
	t.release(n)
	return nil
}

// GetMatches collects the record ids of every entry equal to key by
// walking the leaf chain from lower to upper bound.
func (t *BTree) GetMatches(key record.Record) ([]record.RecID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lb, err := t.bound(key, (*node).lowerBound)
	if err != nil {
		return nil, err
	}
	ub, err := t.bound(key, (*node).upperBound)
	if err != nil {
		return nil, err
	}

	var matches []record.RecID
	for it := lb; it != ub; {
		n, err := t.getNode(it.PageNum)
		if err != nil {
			return nil, err
		}
		rid, err := n.rid(it.Idx)
		if err != nil {
			t.release(n)
			return nil, err
		}
		matches = append(matches, rid)
		it, err = t.advance(it, n)
		t.release(n)
		if err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// GetRid reads the record id a cursor points at.
func (t *BTree) GetRid(id IndexID) (record.RecID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.getNode(id.PageNum)
	if err != nil {
		return record.NilRecID, err
	}
	defer t.release(n)
	return n.rid(id.Idx)
}

// LowerBound descends to the first entry >= key. Keys larger than the
// whole tree land on the one-past-the-end cursor.
func (t *BTree) LowerBound(key record.Record) (IndexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound(key, (*node).lowerBound)
}

// UpperBound descends to the first entry > key.
func (t *BTree) UpperBound(key record.Record) (IndexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound(key, (*node).upperBound)
}

func (t *BTree) bound(key record.Record, pick func(*node, record.Record) int32) (IndexID, error) {
	n, err := t.getNode(t.meta.RootPage)
	if err != nil {
		return IndexID{}, err
	}
	for !n.isLeaf() {
		idx := pick(n, key)
		if idx >= n.numKeys() {
			t.release(n)
			return t.leafEnd()
		}
		childRid, err := n.rid(idx)
		if err != nil {
			t.release(n)
			return IndexID{}, err
		}
		t.release(n)
		if n, err = t.getNode(childRid.PageNum); err != nil {
			return IndexID{}, err
		}
	}
	id := IndexID{PageNum: n.pageNum, Idx: pick(n, key)}
	t.release(n)
	return id, nil
}

// LeafBegin is the cursor on the first entry of the first leaf.
func (t *BTree) LeafBegin() IndexID {
	return IndexID{PageNum: t.meta.FirstLeaf, Idx: 0}
}

// LeafEnd is the one-past-the-end cursor on the last leaf.
func (t *BTree) LeafEnd() (IndexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leafEnd()
}

func (t *BTree) leafEnd() (IndexID, error) {
	n, err := t.getNode(t.meta.LastLeaf)
	if err != nil {
		return IndexID{}, err
	}
	defer t.release(n)
	return IndexID{PageNum: t.meta.LastLeaf, Idx: n.numChildren()}, nil
}

// advance steps a cursor one entry forward, following the leaf chain when
// it walks off the tail of a non-final leaf. n must be the cursor's node.
func (t *BTree) advance(it IndexID, n *node) (IndexID, error) {
	it.Idx++
	if it.PageNum != t.meta.LastLeaf && it.Idx >= n.numKeys() {
		return IndexID{PageNum: n.hdr.NextLeaf, Idx: 0}, nil
	}
	return it, nil
}

// maintainParent walks toward the root replacing each ancestor's key for
// the child below it until a key already equals the child's maximum.
func (t *BTree) maintainParent(n *node) error {
	childPage := n.pageNum
	childMax := n.maxKey()
	parentNum := n.hdr.Parent

	for parentNum != NoParent {
		p, err := t.getNode(parentNum)
		if err != nil {
			return err
		}
		childIdx := p.findChild(childPage)
		if childIdx < 0 {
			t.release(p)
			return errors.Wrapf(dberr.ErrInvalidRid, "node %d missing from parent %d", childPage, parentNum)
		}
		current, err := p.key(childIdx)
		if err != nil {
			t.release(p)
			return err
		}
		if record.Compare(current, childMax) == 0 {
			t.release(p)
			break
		}
		if err := p.setKey(childIdx, childMax); err != nil {
			t.release(p)
			return err
		}
		childPage = p.pageNum
		childMax = p.maxKey()
		parentNum = p.hdr.Parent
		t.release(p)
	}
	return nil
}

// maintainChild points the child under parent[idx] back at parent.
func (t *BTree) maintainChild(parent *node, idx int32) error {
	if parent.isLeaf() {
		return nil
	}
	rid, err := parent.rid(idx)
	if err != nil {
		return err
	}
	child, err := t.getNode(rid.PageNum)
	if err != nil {
		return err
	}
	child.setParent(parent.pageNum)
	t.release(child)
	return nil
}

// eraseLeaf splices a leaf out of the doubly-linked chain.
func (t *BTree) eraseLeaf(leaf *node) error {
	prev, next := leaf.hdr.PrevLeaf, leaf.hdr.NextLeaf
	if prev != NoLeaf {
		p, err := t.getNode(prev)
		if err != nil {
			return err
		}
		p.setNextLeaf(next)
		t.release(p)
	}
	if next != NoLeaf {
		nx, err := t.getNode(next)
		if err != nil {
			return err
		}
		nx.setPrevLeaf(prev)
		t.release(nx)
	}
	if t.meta.FirstLeaf == leaf.pageNum {
		t.meta.FirstLeaf = next
	}
	return nil
}

// createNode reuses the head of the free list, else asks the cache for a
// brand-new page at the end of the file.
func (t *BTree) createNode(isLeaf bool) (*node, error) {
	if t.meta.FirstFreePage != NoFreePage {
		n, err := t.getNode(t.meta.FirstFreePage)
		if err != nil {
			return nil, err
		}
		t.meta.FirstFreePage = n.hdr.NextFree
		n.keys = n.keys[:0]
		n.rids = n.rids[:0]
		n.setHeader(newPageHeader(isLeaf))
		return n, nil
	}

	pageNum := t.meta.NumPages
	h, err := t.cache.CreatePage(t.fd(), pageNum, t.meta.KeyLayout)
	if err != nil {
		return nil, err
	}
	n, err := openNode(t.cache, h, t.meta)
	if err != nil {
		return nil, err
	}
	t.meta.NumPages++
	n.setHeader(newPageHeader(isLeaf))
	t.nodes[pageNum] = n
	return n, nil
}

// freeNode pushes a node onto the tree's free list. The page is never
// returned to the file; the link is dirtied so it persists.
func (t *BTree) freeNode(n *node) {
	n.setNextFree(t.meta.FirstFreePage)
	t.meta.FirstFreePage = n.pageNum
}

// getNode returns the shared handler for a page, opening it on first use.
func (t *BTree) getNode(pageNum int32) (*node, error) {
	if n, ok := t.nodes[pageNum]; ok {
		n.refs++
		n.handle.Touch()
		return n, nil
	}
	h, err := t.cache.ReadPage(t.fd(), pageNum, t.meta.KeyLayout)
	if err != nil {
		return nil, err
	}
	n, err := openNode(t.cache, h, t.meta)
	if err != nil {
		return nil, err
	}
	t.nodes[pageNum] = n
	return n, nil
}

// release drops one reference; the last one serializes and frees the
// underlying frame.
func (t *BTree) release(n *node) {
	n.refs--
	if n.refs > 0 {
		return
	}
	delete(t.nodes, n.pageNum)
	if err := n.close(); err != nil {
		t.log.Error("closing btree node failed",
			zap.Int32("page", n.pageNum), zap.Error(err))
	}
}

func (t *BTree) fd() int {
	return int(t.file.Fd())
}
