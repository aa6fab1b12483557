// Package table bridges record pages and the index catalog: it executes
// parsed statements by inserting through the primary-key index, searching
// via any matching index, and falling back to full scans.
package table

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

// On-disk names inside a table folder.
const (
	DataFileName    = "TABLE_DATA_FILE"
	MetaFileName    = "TABLE_META_DATA"
	IndexFolderName = "INDEX_FOLDER"
)

// ForeignRef names a foreign key attribute and the table it references.
// The reference is metadata only; nothing enforces it.
type ForeignRef struct {
	Key   string
	Table string
}

// Meta is the per-table metadata persisted in TABLE_META_DATA. NumPages
// is the authoritative count of record pages in TABLE_DATA_FILE.
type Meta struct {
	NumPages   int32
	AttrNames  []string
	PrimaryKey []string
	Foreign    []ForeignRef
	Layout     record.Layout

	path string
}

// NewMeta builds and persists the metadata for a fresh table.
func NewMeta(path string, attrNames []string, layout record.Layout, primaryKey []string, foreign []ForeignRef) (*Meta, error) {
	m := &Meta{
		AttrNames:  attrNames,
		PrimaryKey: primaryKey,
		Foreign:    foreign,
		Layout:     layout,
		path:       path,
	}
	if err := m.Save(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadMeta reads a TABLE_META_DATA file.
func LoadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading table metadata %s", path)
	}
	r := bytes.NewReader(data)

	var numAttrs, numPages, numPrimary, numForeign uint32
	for _, v := range []*uint32{&numAttrs, &numPages, &numPrimary, &numForeign} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrapf(err, "table metadata header %s", path)
		}
	}

	m := &Meta{NumPages: int32(numPages), path: path}
	for i := uint32(0); i < numPrimary; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		m.PrimaryKey = append(m.PrimaryKey, s)
	}
	for i := uint32(0); i < numAttrs; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		m.AttrNames = append(m.AttrNames, s)
	}
	for i := uint32(0); i < numForeign; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		tbl, err := readString(r)
		if err != nil {
			return nil, err
		}
		m.Foreign = append(m.Foreign, ForeignRef{Key: key, Table: tbl})
	}
	for i := uint32(0); i < numAttrs; i++ {
		var buf [5]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, errors.Wrapf(err, "attribute type %d of %s", i, path)
		}
		dt, err := types.DecodeDatabaseType(buf[:])
		if err != nil {
			return nil, err
		}
		m.Layout = append(m.Layout, dt)
	}
	return m, nil
}

// Save persists the metadata, little-endian and length-prefixed.
func (m *Meta) Save() error {
	var buf bytes.Buffer
	for _, v := range []uint32{
		uint32(len(m.AttrNames)), uint32(m.NumPages),
		uint32(len(m.PrimaryKey)), uint32(len(m.Foreign)),
	} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	for _, s := range m.PrimaryKey {
		writeString(&buf, s)
	}
	for _, s := range m.AttrNames {
		writeString(&buf, s)
	}
	for _, f := range m.Foreign {
		writeString(&buf, f.Key)
		writeString(&buf, f.Table)
	}
	for _, dt := range m.Layout {
		var enc [5]byte
		dt.Encode(enc[:])
		buf.Write(enc[:])
	}
	if err := os.WriteFile(m.path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing table metadata %s", m.path)
	}
	return nil
}

// AttrIdx resolves an attribute name to its position in the layout.
func (m *Meta) AttrIdx(name string) (int, error) {
	for i, attr := range m.AttrNames {
		if attr == name {
			return i, nil
		}
	}
	return -1, errors.Wrapf(dberr.ErrInvalidRecord, "unknown attribute %q", name)
}

// TypeOf resolves an attribute name to its declared type.
func (m *Meta) TypeOf(name string) (types.DatabaseType, error) {
	idx, err := m.AttrIdx(name)
	if err != nil {
		return types.DatabaseType{}, err
	}
	return m.Layout[idx], nil
}

// SubLayout is the layout of an ordered attribute tuple, used to shape
// index keys.
func (m *Meta) SubLayout(attrs []string) (record.Layout, error) {
	layout := make(record.Layout, 0, len(attrs))
	for _, attr := range attrs {
		dt, err := m.TypeOf(attr)
		if err != nil {
			return nil, err
		}
		layout = append(layout, dt)
	}
	return layout, nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", errors.Wrap(err, "string length")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errors.Wrap(err, "string bytes")
	}
	return string(b), nil
}
