package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
)

// PageHeaderSize is the index-node header: seven little-endian i32 fields
// followed by one byte for the leaf flag.
const PageHeaderSize = 7*4 + 1

// PageHeader is the fixed header at offset 0 of every index page.
type PageHeader struct {
	Parent      int32
	NextFree    int32
	NumKeys     int32
	NumChildren int32
	PrevLeaf    int32
	NextLeaf    int32
	IsLeaf      bool
}

// newPageHeader is the header of a node fresh off the free list or the
// allocator: detached from the tree with every link a sentinel.
func newPageHeader(isLeaf bool) PageHeader {
	return PageHeader{
		Parent:   NoParent,
		NextFree: NoFreePage,
		PrevLeaf: NoLeaf,
		NextLeaf: NoLeaf,
		IsLeaf:   isLeaf,
	}
}

func (h *PageHeader) encode(buf []byte) {
	fields := []int32{h.Parent, h.NextFree, h.NumKeys, h.NumChildren, h.PrevLeaf, h.NextLeaf}
	// The seventh i32 slot mirrors the original header width; the leaf
	// flag byte follows it.
	off := 0
	for _, f := range fields {
		binary.LittleEndian.PutUint32(buf[off:], uint32(f))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], 0)
	off += 4
	if h.IsLeaf {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
}

func decodePageHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Parent = int32(binary.LittleEndian.Uint32(buf[0:]))
	h.NextFree = int32(binary.LittleEndian.Uint32(buf[4:]))
	h.NumKeys = int32(binary.LittleEndian.Uint32(buf[8:]))
	h.NumChildren = int32(binary.LittleEndian.Uint32(buf[12:]))
	h.PrevLeaf = int32(binary.LittleEndian.Uint32(buf[16:]))
	h.NextLeaf = int32(binary.LittleEndian.Uint32(buf[20:]))
	h.IsLeaf = buf[28] != 0
	return h
}

// node is an open B+tree node. The page content is decoded into parallel
// key / record-id slices on open and serialized back on close when dirty,
// so a node may transiently hold order+1 entries between an insert and
// the split that follows it. Nodes are shared within one tree operation:
// the tree hands out one node per page and refcounts it, keeping every
// view of a page consistent.
type node struct {
	handle *memory.Handle
	cache  *memory.Cache
	meta   *Meta

	pageNum int32
	hdr     PageHeader
	keys    []record.Record
	rids    []record.RecID

	refs  int32
	dirty bool
}

func openNode(cache *memory.Cache, h *memory.Handle, meta *Meta) (*node, error) {
	page, err := h.Page()
	if err != nil {
		return nil, err
	}
	h.Pin()

	n := &node{
		handle:  h,
		cache:   cache,
		meta:    meta,
		pageNum: h.PageNum(),
		refs:    1,
	}
	n.hdr = decodePageHeader(page[:])

	keySize := int(meta.KeySize)
	n.keys = make([]record.Record, 0, n.hdr.NumKeys)
	for i := int32(0); i < n.hdr.NumKeys; i++ {
		off := int(meta.KeyOffset) + int(i)*keySize
		key, err := record.Decode(page[off:], meta.KeyLayout)
		if err != nil {
			return nil, errors.Wrapf(err, "key %d of node %d", i, n.pageNum)
		}
		n.keys = append(n.keys, key)
	}
	n.rids = make([]record.RecID, 0, n.hdr.NumChildren)
	for i := int32(0); i < n.hdr.NumChildren; i++ {
		off := int(meta.RidOffset) + int(i)*record.RecIDSize
		n.rids = append(n.rids, record.DecodeRecID(page[off:]))
	}
	return n, nil
}

// close serializes a dirty node back into its page and releases the
// frame. Invoked by the tree when the node's last reference drops.
func (n *node) close() error {
	var err error
	if n.dirty && n.handle.Valid() {
		err = n.serialize()
	}
	n.handle.Unpin()
	if releaseErr := n.cache.Release(n.handle); err == nil {
		err = releaseErr
	}
	return err
}

func (n *node) serialize() error {
	if int32(len(n.keys)) > n.meta.Order || int32(len(n.rids)) > n.meta.Order {
		return errors.Wrapf(dberr.ErrPageFull,
			"node %d overflowed: %d keys, order %d", n.pageNum, len(n.keys), n.meta.Order)
	}
	page, err := n.handle.Page()
	if err != nil {
		return err
	}
	n.hdr.NumKeys = int32(len(n.keys))
	n.hdr.NumChildren = int32(len(n.rids))
	n.hdr.encode(page[:])

	keySize := int(n.meta.KeySize)
	for i, key := range n.keys {
		off := int(n.meta.KeyOffset) + i*keySize
		if err := key.Encode(page[off:], n.meta.KeyLayout); err != nil {
			return errors.Wrapf(err, "key %d of node %d", i, n.pageNum)
		}
	}
	for i, rid := range n.rids {
		off := int(n.meta.RidOffset) + i*record.RecIDSize
		rid.Encode(page[off:])
	}
	return n.handle.MarkDirty()
}

func (n *node) markDirty() {
	n.dirty = true
	_ = n.handle.MarkDirty()
	n.handle.Touch()
}

func (n *node) numKeys() int32     { return int32(len(n.keys)) }
func (n *node) numChildren() int32 { return int32(len(n.rids)) }
func (n *node) isLeaf() bool       { return n.hdr.IsLeaf }

// lowerBound returns the first index whose key is >= key.
func (n *node) lowerBound(key record.Record) int32 {
	low, high := int32(0), n.numKeys()
	for low < high {
		mid := (low + high) / 2
		if record.Compare(key, n.keys[mid]) <= 0 {
			high = mid
		} else {
			low = mid + 1
		}
	}
	return low
}

// upperBound returns the first index whose key is > key.
func (n *node) upperBound(key record.Record) int32 {
	low, high := int32(0), n.numKeys()
	for low < high {
		mid := (low + high) / 2
		if record.Compare(key, n.keys[mid]) < 0 {
			high = mid
		} else {
			low = mid + 1
		}
	}
	return low
}

// findChild locates which record id slot points at the child page.
func (n *node) findChild(childPageNum int32) int32 {
	for i, rid := range n.rids {
		if rid.PageNum == childPageNum {
			return int32(i)
		}
	}
	return -1
}

func (n *node) key(i int32) (record.Record, error) {
	if i < 0 || i >= n.numKeys() {
		return nil, errors.Wrapf(dberr.ErrInvalidKey, "key %d of node %d (%d keys)", i, n.pageNum, n.numKeys())
	}
	return n.keys[i], nil
}

func (n *node) rid(i int32) (record.RecID, error) {
	if i < 0 || i >= n.numChildren() {
		return record.NilRecID, errors.Wrapf(dberr.ErrInvalidRid, "rid %d of node %d (%d children)", i, n.pageNum, n.numChildren())
	}
	return n.rids[i], nil
}

func (n *node) maxKey() record.Record { return n.keys[len(n.keys)-1] }
func (n *node) minKey() record.Record { return n.keys[0] }

func (n *node) setKey(i int32, key record.Record) error {
	if i < 0 || i >= n.numKeys() {
		return errors.Wrapf(dberr.ErrInvalidKey, "set key %d of node %d", i, n.pageNum)
	}
	n.keys[i] = key
	n.markDirty()
	return nil
}

// insertKeys splices keys in at idx; idx == numKeys appends. The node may
// exceed the order by one entry until the pending split runs.
func (n *node) insertKeys(keys []record.Record, idx int32) error {
	if idx < 0 || idx > n.numKeys() {
		return errors.Wrapf(dberr.ErrInvalidKey, "insert at %d of node %d (%d keys)", idx, n.pageNum, n.numKeys())
	}
	if int32(len(n.keys)+len(keys)) > n.meta.Order+1 {
		return errors.Wrapf(dberr.ErrPageFull, "node %d cannot hold %d keys", n.pageNum, len(n.keys)+len(keys))
	}
	n.keys = append(n.keys[:idx], append(append([]record.Record{}, keys...), n.keys[idx:]...)...)
	n.markDirty()
	return nil
}

func (n *node) insertKey(key record.Record, idx int32) error {
	return n.insertKeys([]record.Record{key}, idx)
}

func (n *node) pushBackKeys(keys []record.Record) error {
	return n.insertKeys(keys, n.numKeys())
}

func (n *node) eraseKey(i int32) error {
	if i < 0 || i >= n.numKeys() {
		return errors.Wrapf(dberr.ErrInvalidKey, "erase key %d of node %d", i, n.pageNum)
	}
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.markDirty()
	return nil
}

func (n *node) setRid(i int32, rid record.RecID) error {
	if i < 0 || i >= n.numChildren() {
		return errors.Wrapf(dberr.ErrInvalidRid, "set rid %d of node %d", i, n.pageNum)
	}
	n.rids[i] = rid
	n.markDirty()
	return nil
}

func (n *node) insertRids(rids []record.RecID, idx int32) error {
	if idx < 0 || idx > n.numChildren() {
		return errors.Wrapf(dberr.ErrInvalidRid, "insert at %d of node %d (%d children)", idx, n.pageNum, n.numChildren())
	}
	if int32(len(n.rids)+len(rids)) > n.meta.Order+1 {
		return errors.Wrapf(dberr.ErrPageFull, "node %d cannot hold %d children", n.pageNum, len(n.rids)+len(rids))
	}
	n.rids = append(n.rids[:idx], append(append([]record.RecID{}, rids...), n.rids[idx:]...)...)
	n.markDirty()
	return nil
}

func (n *node) insertRid(rid record.RecID, idx int32) error {
	return n.insertRids([]record.RecID{rid}, idx)
}

func (n *node) pushBackRids(rids []record.RecID) error {
	return n.insertRids(rids, n.numChildren())
}

func (n *node) eraseRid(i int32) error {
	if i < 0 || i >= n.numChildren() {
		return errors.Wrapf(dberr.ErrInvalidRid, "erase rid %d of node %d", i, n.pageNum)
	}
	n.rids = append(n.rids[:i], n.rids[i+1:]...)
	n.markDirty()
	return nil
}

// setHeader replaces the whole header, e.g. when recycling a node.
func (n *node) setHeader(hdr PageHeader) {
	n.hdr = hdr
	n.markDirty()
}

func (n *node) setParent(v int32)   { n.hdr.Parent = v; n.markDirty() }
func (n *node) setNextFree(v int32) { n.hdr.NextFree = v; n.markDirty() }
func (n *node) setPrevLeaf(v int32) { n.hdr.PrevLeaf = v; n.markDirty() }
func (n *node) setNextLeaf(v int32) { n.hdr.NextLeaf = v; n.markDirty() }
