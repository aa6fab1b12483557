// Package btree implements the on-disk B+tree index: 4 KiB nodes holding
// parallel key / record-id arrays, duplicate-key point lookups, range
// iteration over the chained leaves, and rebalancing by split, borrow and
// merge. Freed nodes are recycled through a per-tree free list.
package btree

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

// Sentinels used by node headers and tree metadata.
const (
	NoParent   int32 = -1
	NoFreePage int32 = -1
	NoLeaf     int32 = -1
)

// metaFixedFields is the count of leading i32 fields in a META_DATA file.
const metaFixedFields = 10

// Meta is the per-tree metadata persisted in the index folder's META_DATA
// file. Its counters are mutated only by the owning tree's writer.
type Meta struct {
	Order         int32
	NumPages      int32
	RootPage      int32
	FirstFreePage int32
	FirstLeaf     int32
	LastLeaf      int32
	KeySize       int32
	NumKeyAttrs   int32
	KeyOffset     int32
	RidOffset     int32
	KeyLayout     record.Layout

	path string
}

// NewMeta computes the tree shape for a key layout and persists it. The
// order is derived from the page size; an order that does not exceed 2
// cannot form a tree and is a fatal configuration error.
func NewMeta(keyLayout record.Layout, path string) (*Meta, error) {
	keySize := int32(keyLayout.ByteSize())
	order := (disk.PageSize - PageHeaderSize) / (keySize + record.RecIDSize)
	if order <= 2 {
		panic(fmt.Sprintf("btree: order %d for key size %d does not exceed 2", order, keySize))
	}

	m := &Meta{
		Order:         order,
		NumPages:      1,
		RootPage:      0,
		FirstFreePage: NoFreePage,
		FirstLeaf:     0,
		LastLeaf:      0,
		KeySize:       keySize,
		NumKeyAttrs:   int32(len(keyLayout)),
		KeyOffset:     PageHeaderSize,
		RidOffset:     PageHeaderSize + keySize*order,
		KeyLayout:     keyLayout,
		path:          path,
	}
	if err := m.Save(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadMeta reads a META_DATA file written by Save.
func LoadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading index metadata %s", path)
	}
	if len(data) < metaFixedFields*4 {
		return nil, errors.Errorf("index metadata %s truncated: %d bytes", path, len(data))
	}

	m := &Meta{path: path}
	fields := []*int32{
		&m.Order, &m.NumPages, &m.RootPage, &m.FirstFreePage,
		&m.FirstLeaf, &m.LastLeaf, &m.KeySize, &m.NumKeyAttrs,
		&m.KeyOffset, &m.RidOffset,
	}
	off := 0
	for _, f := range fields {
		*f = int32(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}

	m.KeyLayout = make(record.Layout, 0, m.NumKeyAttrs)
	for i := int32(0); i < m.NumKeyAttrs; i++ {
		dt, err := types.DecodeDatabaseType(data[off:])
		if err != nil {
			return nil, errors.Wrapf(err, "key attribute %d of %s", i, path)
		}
		m.KeyLayout = append(m.KeyLayout, dt)
		off += types.EncodedSize()
	}
	return m, nil
}

// Save persists the metadata. Called whenever a tree operation finishes
// having moved a counter (root, page count, free list, leaf ends).
func (m *Meta) Save() error {
	buf := make([]byte, metaFixedFields*4+len(m.KeyLayout)*types.EncodedSize())
	fields := []int32{
		m.Order, m.NumPages, m.RootPage, m.FirstFreePage,
		m.FirstLeaf, m.LastLeaf, m.KeySize, m.NumKeyAttrs,
		m.KeyOffset, m.RidOffset,
	}
	off := 0
	for _, f := range fields {
		binary.LittleEndian.PutUint32(buf[off:], uint32(f))
		off += 4
	}
	for _, dt := range m.KeyLayout {
		dt.Encode(buf[off:])
		off += types.EncodedSize()
	}
	if err := os.WriteFile(m.path, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing index metadata %s", m.path)
	}
	return nil
}

// MinChildren is the occupancy floor for non-root nodes. It matches the
// split midpoint num_children/2, so a node coming out of a split is never
// immediately under-full.
func (m *Meta) MinChildren() int32 {
	return (m.Order + 1) / 2
}
