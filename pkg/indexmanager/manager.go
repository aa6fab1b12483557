// Package indexmanager keeps the per-table index catalog: a single page
// mapping ordered attribute tuples to B+tree ids, plus the machinery to
// create trees and fan record mutations out to every tree.
package indexmanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/btree"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
)

// On-disk names inside a table's INDEX_FOLDER.
const (
	CatalogFileName   = "CATALOG_FILE"
	IndexFolderPrefix = "INDEX"
	MetaFileName      = "META_DATA"
	IndexDataFileName = "INDEX_DATA"
)

// catalogHeaderSize covers the u32 cursor and the adjacent u32 index
// count at the head of the catalog page.
const catalogHeaderSize = 8

// NoIndex is returned by FindIndex when no tuple matches.
const NoIndex int32 = -1

// Projection turns an ordered attribute tuple into the corresponding key
// record of the row being indexed. The table layer supplies it, keeping
// the catalog ignorant of row schemas.
type Projection func(attrs []string) (record.Record, error)

// Manager owns one table's catalog page and its open trees. The catalog
// page stays referenced across operations; a pin guard around each walk
// keeps the reaper from evicting it mid-scan, and the generation stamp
// detects eviction between operations.
type Manager struct {
	mu    sync.Mutex
	cache *memory.Cache
	dir   string
	log   *zap.Logger

	catalogFile *os.File
	handle      *memory.Handle
	cursor      int32
	numIndexes  int32

	trees map[int32]*btree.BTree
}

// NewManager opens (or initializes) the catalog under dir, the table's
// INDEX_FOLDER.
func NewManager(cache *memory.Cache, dir string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating index folder %s", dir)
	}

	path := filepath.Join(dir, CatalogFileName)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening catalog %s", path)
	}
	if fresh {
		var page disk.Page
		binary.LittleEndian.PutUint32(page[0:], catalogHeaderSize)
		binary.LittleEndian.PutUint32(page[4:], 0)
		if _, err := f.WriteAt(page[:], 0); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "initializing catalog %s", path)
		}
	}

	return &Manager{
		cache:       cache,
		dir:         dir,
		log:         log,
		catalogFile: f,
		trees:       make(map[int32]*btree.BTree),
	}, nil
}

// loadCatalog (re)reads the catalog page when it was never loaded or its
// frame has been reclaimed since the last operation.
func (m *Manager) loadCatalog() error {
	if m.handle != nil && m.handle.Valid() {
		return nil
	}
	firstLoad := m.handle == nil
	h, err := m.cache.ReadPage(int(m.catalogFile.Fd()), 0, nil)
	if err != nil {
		return errors.Wrap(err, "loading catalog page")
	}
	// Between operations the page stays referenced but unpinned, so the
	// cache may reclaim it under pressure; the stamp check above brings
	// it back.
	h.Unpin()
	m.handle = h

	if firstLoad {
		page, err := h.Page()
		if err != nil {
			return err
		}
		m.cursor = int32(binary.LittleEndian.Uint32(page[0:]))
		m.numIndexes = int32(binary.LittleEndian.Uint32(page[4:]))
		if m.cursor < catalogHeaderSize {
			m.cursor = catalogHeaderSize
		}
	}
	return nil
}

// CreateIndex registers a tree over the attribute tuple and materializes
// its folder. Creating an index that already exists is a no-op.
func (m *Manager) CreateIndex(attrs []string, keyLayout record.Layout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.findIndex(attrs)
	if err != nil {
		return err
	}
	if existing != NoIndex {
		return nil
	}

	if err := m.loadCatalog(); err != nil {
		return err
	}
	m.handle.Pin()
	defer m.handle.Unpin()

	page, err := m.handle.Page()
	if err != nil {
		return err
	}

	// attr_0,...,attr_{k-1},<index id>\n — UTF-8 text, newline terminated
	id := m.numIndexes
	line := strings.Join(attrs, ",") + "," + strconv.Itoa(int(id)) + "\n"
	if m.cursor+int32(len(line)) > disk.PageSize {
		return errors.Wrapf(dberr.ErrPageFull, "catalog cannot hold index over (%s)", strings.Join(attrs, ","))
	}
	copy(page[m.cursor:], line)
	m.cursor += int32(len(line))

	if err := m.initIndexFolder(id, keyLayout); err != nil {
		return err
	}

	m.numIndexes++
	binary.LittleEndian.PutUint32(page[0:], uint32(m.cursor))
	binary.LittleEndian.PutUint32(page[4:], uint32(m.numIndexes))
	if err := m.handle.MarkDirty(); err != nil {
		return err
	}
	m.log.Info("index created",
		zap.Int32("id", id), zap.Strings("attrs", attrs))
	return nil
}

// FindIndex scans the catalog lines for an exact attribute-tuple match.
func (m *Manager) FindIndex(attrs []string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findIndex(attrs)
}

func (m *Manager) findIndex(attrs []string) (int32, error) {
	var found int32 = NoIndex
	err := m.forEachLine(func(lineAttrs []string, id int32) error {
		if found == NoIndex && tupleEqual(lineAttrs, attrs) {
			found = id
		}
		return nil
	})
	return found, err
}

// GetIndex opens (or reuses) the tree with the given id.
func (m *Manager) GetIndex(id int32) (*btree.BTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getIndex(id)
}

func (m *Manager) getIndex(id int32) (*btree.BTree, error) {
	if t, ok := m.trees[id]; ok {
		return t, nil
	}
	folder := filepath.Join(m.dir, fmt.Sprintf("%s%d", IndexFolderPrefix, id))
	if _, err := os.Stat(folder); err != nil {
		return nil, errors.Wrapf(err, "index folder %s", folder)
	}
	t, err := btree.OpenTree(m.cache,
		filepath.Join(folder, MetaFileName),
		filepath.Join(folder, IndexDataFileName),
		m.log)
	if err != nil {
		return nil, err
	}
	m.trees[id] = t
	return t, nil
}

// GetIndexFor resolves an attribute tuple straight to its tree, or nil
// when no index covers it.
func (m *Manager) GetIndexFor(attrs []string) (*btree.BTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.findIndex(attrs)
	if err != nil || id == NoIndex {
		return nil, err
	}
	return m.getIndex(id)
}

// InsertIntoIndexes projects the record onto every catalog tuple and
// inserts the projection into that tree.
func (m *Manager) InsertIntoIndexes(project Projection, rid record.RecID) error {
	return m.updateTrees(project, rid, true)
}

// DeleteFromIndexes removes the record's projections from every tree.
func (m *Manager) DeleteFromIndexes(project Projection, rid record.RecID) error {
	return m.updateTrees(project, rid, false)
}

func (m *Manager) updateTrees(project Projection, rid record.RecID, isInsert bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forEachLine(func(attrs []string, id int32) error {
		tree, err := m.getIndex(id)
		if err != nil {
			return err
		}
		key, err := project(attrs)
		if err != nil {
			return err
		}
		if isInsert {
			return tree.InsertEntry(key, rid)
		}
		return tree.DeleteEntry(key, rid)
	})
}

// forEachLine walks the catalog page under a pin guard, parsing each
// `attrs,<id>\n` line.
func (m *Manager) forEachLine(fn func(attrs []string, id int32) error) error {
	if err := m.loadCatalog(); err != nil {
		return err
	}
	m.handle.Pin()
	defer m.handle.Unpin()

	page, err := m.handle.Page()
	if err != nil {
		return err
	}

	start := int32(catalogHeaderSize)
	for start < m.cursor {
		nl := bytes.IndexByte(page[start:m.cursor], '\n')
		if nl < 0 {
			break
		}
		line := string(page[start : start+int32(nl)])
		lastComma := strings.LastIndexByte(line, ',')
		if lastComma < 0 {
			return errors.Wrapf(dberr.ErrInvalidRecord, "catalog line at %d malformed", start)
		}
		id, err := strconv.Atoi(line[lastComma+1:])
		if err != nil {
			return errors.Wrapf(dberr.ErrInvalidRecord, "catalog line at %d has bad index id: %v", start, err)
		}
		attrs := strings.Split(line[:lastComma], ",")

		if err := fn(attrs, int32(id)); err != nil {
			return err
		}
		start += int32(nl) + 1
	}
	return nil
}

func (m *Manager) initIndexFolder(id int32, keyLayout record.Layout) error {
	folder := filepath.Join(m.dir, fmt.Sprintf("%s%d", IndexFolderPrefix, id))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", folder)
	}
	t, err := btree.CreateTree(m.cache,
		filepath.Join(folder, MetaFileName),
		filepath.Join(folder, IndexDataFileName),
		keyLayout,
		m.log)
	if err != nil {
		return err
	}
	m.trees[id] = t
	return nil
}

// Close flushes tree metadata, closes their files and drops the catalog
// page reference.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, t := range m.trees {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := t.File().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.trees, id)
	}
	if m.handle != nil {
		if err := m.cache.Release(m.handle); err != nil && firstErr == nil {
			firstErr = err
		}
		m.handle = nil
	}
	if err := m.catalogFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func tupleEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
