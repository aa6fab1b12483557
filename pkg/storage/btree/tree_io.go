package btree

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
)

// CreateTree lays down a new index on disk: the META_DATA file and an
// INDEX_DATA file holding a single empty root leaf.
func CreateTree(cache *memory.Cache, metaPath, dataPath string, keyLayout record.Layout, log *zap.Logger) (*BTree, error) {
	meta, err := NewMeta(keyLayout, metaPath)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating index data file %s", dataPath)
	}

	var page disk.Page
	hdr := newPageHeader(true)
	hdr.encode(page[:])
	if _, err := f.WriteAt(page[:], 0); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "writing root page of %s", dataPath)
	}
	return Open(cache, meta, f, log), nil
}

// OpenTree loads an existing index from its folder files.
func OpenTree(cache *memory.Cache, metaPath, dataPath string, log *zap.Logger) (*BTree, error) {
	meta, err := LoadMeta(metaPath)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening index data file %s", dataPath)
	}
	return Open(cache, meta, f, log), nil
}

// File exposes the underlying data file so owners can close it.
func (t *BTree) File() *os.File { return t.file }
