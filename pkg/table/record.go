package table

import (
	"github.com/pkg/errors"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/statement"
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

// TableRecord pairs a raw record with its table's metadata so attributes
// can be addressed by name.
type TableRecord struct {
	Rec  record.Record
	meta *Meta
}

// NewTableRecord wraps an existing record.
func NewTableRecord(rec record.Record, meta *Meta) TableRecord {
	return TableRecord{Rec: rec, meta: meta}
}

// RecordFromStatement casts an INSERT statement's value list into a
// record under the table's layout.
func RecordFromStatement(stmt *statement.Statement, meta *Meta) (TableRecord, error) {
	if len(stmt.SetValues) != len(meta.Layout) {
		return TableRecord{}, errors.Wrapf(dberr.ErrInvalidRecord,
			"insert carries %d values, table has %d attributes", len(stmt.SetValues), len(meta.Layout))
	}
	rec := make(record.Record, 0, len(meta.Layout))
	for i, dt := range meta.Layout {
		f, err := types.ParseField(stmt.SetValues[i], dt)
		if err != nil {
			return TableRecord{}, err
		}
		rec = append(rec, f)
	}
	return TableRecord{Rec: rec, meta: meta}, nil
}

// Attr returns the named attribute's value.
func (tr TableRecord) Attr(name string) (types.Field, error) {
	idx, err := tr.meta.AttrIdx(name)
	if err != nil {
		return nil, err
	}
	return tr.Rec[idx], nil
}

// Subset projects the record onto an ordered attribute tuple; index keys
// are built this way.
func (tr TableRecord) Subset(attrs []string) (record.Record, error) {
	sub := make(record.Record, 0, len(attrs))
	for _, attr := range attrs {
		f, err := tr.Attr(attr)
		if err != nil {
			return nil, err
		}
		sub = append(sub, f)
	}
	return sub, nil
}

// SetAttr parses value under the attribute's declared type and stores it.
func (tr TableRecord) SetAttr(name, value string) error {
	idx, err := tr.meta.AttrIdx(name)
	if err != nil {
		return err
	}
	f, err := types.ParseField(value, tr.meta.Layout[idx])
	if err != nil {
		return err
	}
	tr.Rec[idx] = f
	return nil
}
