package types

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
)

// Predicate is a comparison operator applied between two fields.
type Predicate int

const (
	Equals Predicate = iota
	NotEqual
	LessThan
	LessThanOrEqual
	GreaterThan
	GreaterThanOrEqual
)

func (p Predicate) String() string {
	switch p {
	case Equals:
		return "=="
	case NotEqual:
		return "!="
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	default:
		return "?"
	}
}

// Field is a single typed value inside a record.
type Field interface {
	Kind() Kind

	// Compare evaluates "f op other". Comparing fields of different kinds
	// returns ErrInvalidRecord.
	Compare(op Predicate, other Field) (bool, error)

	Equals(other Field) bool

	String() string
}

type IntField struct {
	Value int32
}

func NewIntField(v int32) IntField { return IntField{Value: v} }

func (f IntField) Kind() Kind { return IntKind }

func (f IntField) Compare(op Predicate, other Field) (bool, error) {
	o, ok := other.(IntField)
	if !ok {
		return false, errors.Wrap(dberr.ErrInvalidRecord, "comparing int against non-int")
	}
	return applyOrder(compareInt32(f.Value, o.Value), op), nil
}

func (f IntField) Equals(other Field) bool {
	o, ok := other.(IntField)
	return ok && f.Value == o.Value
}

func (f IntField) String() string { return strconv.FormatInt(int64(f.Value), 10) }

type FloatField struct {
	Value float32
}

func NewFloatField(v float32) FloatField { return FloatField{Value: v} }

func (f FloatField) Kind() Kind { return FloatKind }

func (f FloatField) Compare(op Predicate, other Field) (bool, error) {
	o, ok := other.(FloatField)
	if !ok {
		return false, errors.Wrap(dberr.ErrInvalidRecord, "comparing float against non-float")
	}
	return applyOrder(compareFloat32(f.Value, o.Value), op), nil
}

func (f FloatField) Equals(other Field) bool {
	o, ok := other.(FloatField)
	return ok && f.Value == o.Value
}

func (f FloatField) String() string {
	return strconv.FormatFloat(float64(f.Value), 'g', -1, 32)
}

// StringField holds a fixed-string value. Two strings are equal when they
// agree after stripping zero padding, so a value read back from disk
// compares equal to the value that was written.
type StringField struct {
	Value string
}

func NewStringField(v string) StringField { return StringField{Value: v} }

func (f StringField) Kind() Kind { return StringKind }

func (f StringField) trimmed() string { return strings.TrimRight(f.Value, "\x00") }

func (f StringField) Compare(op Predicate, other Field) (bool, error) {
	o, ok := other.(StringField)
	if !ok {
		return false, errors.Wrap(dberr.ErrInvalidRecord, "comparing string against non-string")
	}
	return applyOrder(strings.Compare(f.trimmed(), o.trimmed()), op), nil
}

func (f StringField) Equals(other Field) bool {
	o, ok := other.(StringField)
	return ok && f.trimmed() == o.trimmed()
}

func (f StringField) String() string { return f.trimmed() }

// CompareOrder returns -1, 0 or 1 for a < b, a == b, a > b. The fields
// must share a kind; mismatched kinds order by kind so the result is
// still total.
func CompareOrder(a, b Field) int {
	if a.Kind() != b.Kind() {
		return compareInt32(int32(a.Kind()), int32(b.Kind()))
	}
	switch av := a.(type) {
	case IntField:
		return compareInt32(av.Value, b.(IntField).Value)
	case FloatField:
		return compareFloat32(av.Value, b.(FloatField).Value)
	case StringField:
		return strings.Compare(av.trimmed(), b.(StringField).trimmed())
	}
	return 0
}

func compareInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat32(a, b float32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyOrder(cmp int, op Predicate) bool {
	switch op {
	case Equals:
		return cmp == 0
	case NotEqual:
		return cmp != 0
	case LessThan:
		return cmp < 0
	case LessThanOrEqual:
		return cmp <= 0
	case GreaterThan:
		return cmp > 0
	case GreaterThanOrEqual:
		return cmp >= 0
	default:
		return false
	}
}

// EncodeField writes f into buf using the fixed width of dt. Integers and
// floats are little-endian; strings are zero-padded to the declared size.
// Values longer than the declared size are rejected, not truncated.
func EncodeField(buf []byte, f Field, dt DatabaseType) error {
	if f.Kind() != dt.Kind {
		return errors.Wrapf(dberr.ErrInvalidRecord, "field kind %v does not match layout kind %v", f.Kind(), dt.Kind)
	}
	if len(buf) < dt.ByteSize() {
		return errors.Wrapf(dberr.ErrInvalidOffset, "encode buffer too small: %d < %d", len(buf), dt.ByteSize())
	}
	switch v := f.(type) {
	case IntField:
		binary.LittleEndian.PutUint32(buf, uint32(v.Value))
	case FloatField:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v.Value))
	case StringField:
		s := v.trimmed()
		if len(s) > dt.ByteSize() {
			return errors.Wrapf(dberr.ErrInvalidRecord, "string %q exceeds declared size %d", s, dt.Size)
		}
		n := copy(buf[:dt.ByteSize()], s)
		for i := n; i < dt.ByteSize(); i++ {
			buf[i] = 0
		}
	}
	return nil
}

// DecodeField reads the fixed-width value of dt out of buf.
func DecodeField(buf []byte, dt DatabaseType) (Field, error) {
	if len(buf) < dt.ByteSize() {
		return nil, errors.Wrapf(dberr.ErrInvalidOffset, "decode buffer too small: %d < %d", len(buf), dt.ByteSize())
	}
	switch dt.Kind {
	case IntKind:
		return NewIntField(int32(binary.LittleEndian.Uint32(buf))), nil
	case FloatKind:
		return NewFloatField(math.Float32frombits(binary.LittleEndian.Uint32(buf))), nil
	case StringKind:
		return NewStringField(strings.TrimRight(string(buf[:dt.ByteSize()]), "\x00")), nil
	}
	return nil, errors.Wrapf(dberr.ErrInvalidRecord, "unknown kind %v", dt.Kind)
}

// ParseField converts user text into a field of the given type.
func ParseField(text string, dt DatabaseType) (Field, error) {
	switch dt.Kind {
	case IntKind:
		v, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(dberr.ErrInvalidRecord, "parsing %q as int: %v", text, err)
		}
		return NewIntField(int32(v)), nil
	case FloatKind:
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, errors.Wrapf(dberr.ErrInvalidRecord, "parsing %q as float: %v", text, err)
		}
		return NewFloatField(float32(v)), nil
	case StringKind:
		if uint32(len(text)) > dt.Size {
			return nil, errors.Wrapf(dberr.ErrInvalidRecord, "string %q exceeds declared size %d", text, dt.Size)
		}
		return NewStringField(text), nil
	}
	return nil, errors.Wrapf(dberr.ErrInvalidRecord, "unknown kind %v", dt.Kind)
}
