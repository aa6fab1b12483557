// Package record defines records (ordered tuples of typed values), their
// fixed-width layouts, and the RecID addressing scheme used by record
// pages and index leaves.
package record

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

// Layout is the ordered attribute types of a record. Records under one
// layout are fixed size: the sum of the attribute widths.
type Layout []types.DatabaseType

// ByteSize is the fixed on-disk width of a record with this layout.
func (l Layout) ByteSize() int {
	size := 0
	for _, dt := range l {
		size += dt.ByteSize()
	}
	return size
}

// Record is one row of typed values, ordered per its layout.
type Record []types.Field

// Encode serializes the record into buf as the concatenation of its
// fixed-width fields. buf must hold at least layout.ByteSize() bytes.
func (r Record) Encode(buf []byte, layout Layout) error {
	if len(r) != len(layout) {
		return errors.Wrapf(dberr.ErrInvalidRecord, "record has %d fields, layout %d", len(r), len(layout))
	}
	off := 0
	for i, dt := range layout {
		if err := types.EncodeField(buf[off:], r[i], dt); err != nil {
			return err
		}
		off += dt.ByteSize()
	}
	return nil
}

// Decode reads a record of the given layout out of buf.
func Decode(buf []byte, layout Layout) (Record, error) {
	rec := make(Record, 0, len(layout))
	off := 0
	for _, dt := range layout {
		f, err := types.DecodeField(buf[off:], dt)
		if err != nil {
			return nil, err
		}
		rec = append(rec, f)
		off += dt.ByteSize()
	}
	return rec, nil
}

// Compare orders two records lexicographically field by field. Records
// compared by the B+tree always share a layout; a shorter record orders
// before a longer one with an equal prefix.
func Compare(a, b Record) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if cmp := types.CompareOrder(a[i], b[i]); cmp != 0 {
			return cmp
		}
	}
	return len(a) - len(b)
}

// Equal reports field-wise equality.
func Equal(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

func (r Record) String() string {
	parts := make([]string, 0, len(r))
	for _, f := range r {
		if f == nil {
			parts = append(parts, "null")
			continue
		}
		parts = append(parts, f.String())
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
