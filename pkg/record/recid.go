package record

import (
	"encoding/binary"
	"fmt"
)

// RecID addresses one record in a table (page number + slot) or one child
// pointer in an interior index node (page number, slot -1).
type RecID struct {
	PageNum int32
	SlotNum int32
}

// RecIDSize is the on-disk width of a RecID: two little-endian i32s.
const RecIDSize = 8

// NilRecID is the "absent" sentinel.
var NilRecID = RecID{PageNum: -1, SlotNum: -1}

// PageFilled is returned by record-page add when the page has no room;
// callers allocate a fresh page and retry.
var PageFilled = NilRecID

func (r RecID) IsNil() bool {
	return r.PageNum == -1 && r.SlotNum == -1
}

// Encode writes the RecID into buf (at least RecIDSize bytes).
func (r RecID) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf, uint32(r.PageNum))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.SlotNum))
}

// DecodeRecID reads a RecID previously written by Encode.
func DecodeRecID(buf []byte) RecID {
	return RecID{
		PageNum: int32(binary.LittleEndian.Uint32(buf)),
		SlotNum: int32(binary.LittleEndian.Uint32(buf[4:])),
	}
}

func (r RecID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageNum, r.SlotNum)
}
