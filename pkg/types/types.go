// Package types defines the typed value alphabet of the engine: 32-bit
// integers, 32-bit floats and fixed-size strings, together with their
// fixed-width on-disk encoding.
package types

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies one of the three storable value kinds. The numeric
// values are part of the on-disk format of table and index metadata.
type Kind uint8

const (
	IntKind Kind = iota
	FloatKind
	StringKind
)

// MaxStringSize bounds the declared size of a string attribute. Declared
// sizes above the bound are clamped when the type is constructed.
const MaxStringSize = 50

func (k Kind) String() string {
	switch k {
	case IntKind:
		return "INT"
	case FloatKind:
		return "FLOAT"
	case StringKind:
		return "STRING"
	default:
		return "UNKNOWN"
	}
}

// DatabaseType describes a single attribute: its kind and its on-disk
// width in bytes. Integers and floats are always 4 bytes; strings carry
// their declared (clamped) size.
type DatabaseType struct {
	Kind Kind
	Size uint32
}

// typeEncodedSize is the width of a DatabaseType record inside metadata
// files: one byte of kind followed by a little-endian u32 size.
const typeEncodedSize = 5

func NewIntType() DatabaseType   { return DatabaseType{Kind: IntKind, Size: 4} }
func NewFloatType() DatabaseType { return DatabaseType{Kind: FloatKind, Size: 4} }

// NewStringType builds a fixed-string type of the given declared size,
// clamped to MaxStringSize.
func NewStringType(size uint32) DatabaseType {
	if size > MaxStringSize {
		size = MaxStringSize
	}
	return DatabaseType{Kind: StringKind, Size: size}
}

// ByteSize is the width this type occupies inside a record.
func (dt DatabaseType) ByteSize() int {
	return int(dt.Size)
}

// EncodedSize is the width of the DatabaseType descriptor itself inside
// metadata files.
func EncodedSize() int {
	return typeEncodedSize
}

// Encode writes the type descriptor into buf (at least EncodedSize bytes).
func (dt DatabaseType) Encode(buf []byte) {
	buf[0] = byte(dt.Kind)
	binary.LittleEndian.PutUint32(buf[1:], dt.Size)
}

// DecodeDatabaseType parses a descriptor previously written by Encode.
func DecodeDatabaseType(buf []byte) (DatabaseType, error) {
	if len(buf) < typeEncodedSize {
		return DatabaseType{}, fmt.Errorf("database type descriptor truncated: %d bytes", len(buf))
	}
	kind := Kind(buf[0])
	if kind > StringKind {
		return DatabaseType{}, fmt.Errorf("unknown database type kind %d", buf[0])
	}
	size := binary.LittleEndian.Uint32(buf[1:])
	if kind == StringKind && size > MaxStringSize {
		size = MaxStringSize
	}
	return DatabaseType{Kind: kind, Size: size}, nil
}
