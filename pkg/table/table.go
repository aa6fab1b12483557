package table

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Suhail-Mohamed/CoroDB/pkg/dberr"
	"github.com/Suhail-Mohamed/CoroDB/pkg/indexmanager"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/record"
	"github.com/Suhail-Mohamed/CoroDB/pkg/statement"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/heap"
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

// QueryResult is what a statement execution hands back to the caller.
type QueryResult struct {
	Records      []record.Record
	RowsAffected int
	NumPages     int32
}

// Table executes statements against one table directory: record pages in
// TABLE_DATA_FILE, metadata in TABLE_META_DATA, and the index catalog
// under INDEX_FOLDER.
type Table struct {
	name string
	dir  string
	meta *Meta

	// mu admits concurrent readers but a single mutating statement;
	// finer-grained ordering inside a page is the frame lock's job.
	mu sync.RWMutex

	cache    *memory.Cache
	dataFile *os.File
	indexes  *indexmanager.Manager
	log      *zap.Logger
}

// Create materializes a new table folder from a CREATE statement and
// builds the mandatory primary-key index as catalog line 0.
func Create(cache *memory.Cache, dbDir, name string, stmt *statement.Statement, log *zap.Logger) (*Table, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir := filepath.Join(dbDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating table folder %s", dir)
	}

	layout := make(record.Layout, len(stmt.Types))
	copy(layout, stmt.Types)

	var foreign []ForeignRef
	for i := range stmt.ForeignKeys {
		foreign = append(foreign, ForeignRef{Key: stmt.ForeignKeys[i], Table: stmt.ForeignTables[i]})
	}

	meta, err := NewMeta(filepath.Join(dir, MetaFileName), stmt.Attrs, layout, stmt.PrimaryKey, foreign)
	if err != nil {
		return nil, err
	}

	dataFile, err := os.OpenFile(filepath.Join(dir, DataFileName), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "creating table data file")
	}

	indexes, err := indexmanager.NewManager(cache, filepath.Join(dir, IndexFolderName), log)
	if err != nil {
		_ = dataFile.Close()
		return nil, err
	}

	t := &Table{
		name:     name,
		dir:      dir,
		meta:     meta,
		cache:    cache,
		dataFile: dataFile,
		indexes:  indexes,
		log:      log.With(zap.String("table", name)),
	}

	pkLayout, err := meta.SubLayout(meta.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if err := indexes.CreateIndex(meta.PrimaryKey, pkLayout); err != nil {
		return nil, err
	}
	return t, nil
}

// Open loads an existing table folder.
func Open(cache *memory.Cache, dbDir, name string, log *zap.Logger) (*Table, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir := filepath.Join(dbDir, name)
	meta, err := LoadMeta(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, err
	}
	dataFile, err := os.OpenFile(filepath.Join(dir, DataFileName), os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening table data file")
	}
	indexes, err := indexmanager.NewManager(cache, filepath.Join(dir, IndexFolderName), log)
	if err != nil {
		_ = dataFile.Close()
		return nil, err
	}
	return &Table{
		name:     name,
		dir:      dir,
		meta:     meta,
		cache:    cache,
		dataFile: dataFile,
		indexes:  indexes,
		log:      log.With(zap.String("table", name)),
	}, nil
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Meta exposes the table metadata.
func (t *Table) Meta() *Meta { return t.meta }

// Dir is the table's folder, owned by the engine for DROP.
func (t *Table) Dir() string { return t.dir }

// Close flushes metadata and shuts the catalog and data file.
func (t *Table) Close() error {
	errIdx := t.indexes.Close()
	errMeta := t.meta.Save()
	errData := t.dataFile.Close()
	switch {
	case errIdx != nil:
		return errIdx
	case errMeta != nil:
		return errMeta
	default:
		return errData
	}
}

// ExecuteStatement dispatches one parsed statement.
func (t *Table) ExecuteStatement(stmt *statement.Statement) (*QueryResult, error) {
	switch stmt.Command {
	case statement.Insert, statement.Delete, statement.Update, statement.CreateIndex, statement.Vacuum:
		t.mu.Lock()
		defer t.mu.Unlock()
	default:
		t.mu.RLock()
		defer t.mu.RUnlock()
	}

	switch stmt.Command {
	case statement.Insert:
		return t.executeInsert(stmt)
	case statement.Delete:
		return t.executeDelete(stmt)
	case statement.Update:
		return t.executeUpdate(stmt)
	case statement.Select:
		return t.executeSelect(stmt)
	case statement.CreateIndex:
		return t.executeCreateIndex(stmt)
	case statement.Vacuum:
		return t.executeVacuum()
	case statement.Size:
		return &QueryResult{NumPages: t.meta.NumPages}, nil
	default:
		return nil, errors.Errorf("command %v is not executed by the table layer", stmt.Command)
	}
}

// executeInsert builds the candidate record, rejects primary-key
// duplicates through the primary tree, appends the record, then fans the
// insertion out to every index. A duplicate is not an error: the insert
// is silently dropped with zero rows affected.
func (t *Table) executeInsert(stmt *statement.Statement) (*QueryResult, error) {
	tr, err := RecordFromStatement(stmt, t.meta)
	if err != nil {
		return nil, err
	}
	pk, err := tr.Subset(t.meta.PrimaryKey)
	if err != nil {
		return nil, err
	}

	primary, err := t.indexes.GetIndex(0)
	if err != nil {
		return nil, err
	}
	matches, err := primary.GetMatches(pk)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		t.log.Debug("duplicate primary key dropped", zap.String("key", pk.String()))
		return &QueryResult{}, nil
	}

	rid, err := t.pushBackRecord(tr.Rec)
	if err != nil {
		return nil, err
	}
	if err := t.indexes.InsertIntoIndexes(tr.Subset, rid); err != nil {
		return nil, err
	}
	return &QueryResult{RowsAffected: 1}, nil
}

// executeDelete tombstones every matching record and removes its
// projections from the indexes. Slots of one page are deleted under a
// single handler so compaction runs once, after the page's last delete.
func (t *Table) executeDelete(stmt *statement.Statement) (*QueryResult, error) {
	matches, err := t.searchTable(stmt)
	if err != nil {
		return nil, err
	}

	byPage := make(map[int32][]int32)
	var pageOrder []int32
	for _, rid := range matches {
		if _, seen := byPage[rid.PageNum]; !seen {
			pageOrder = append(pageOrder, rid.PageNum)
		}
		byPage[rid.PageNum] = append(byPage[rid.PageNum], rid.SlotNum)
	}

	rows := 0
	for _, pageNum := range pageOrder {
		ph, err := t.getPage(pageNum)
		if err != nil {
			return nil, err
		}
		for _, slot := range byPage[pageNum] {
			rec, err := ph.Read(slot)
			if errors.Is(err, dberr.ErrDeletedRecord) {
				continue
			}
			if err != nil {
				_ = ph.Close()
				return nil, err
			}
			if err := ph.Delete(slot); err != nil {
				_ = ph.Close()
				return nil, err
			}
			rid := record.RecID{PageNum: pageNum, SlotNum: slot}
			tr := NewTableRecord(rec, t.meta)
			if err := t.indexes.DeleteFromIndexes(tr.Subset, rid); err != nil {
				_ = ph.Close()
				return nil, err
			}
			rows++
		}
		if err := ph.Close(); err != nil {
			return nil, err
		}
	}
	return &QueryResult{RowsAffected: rows}, nil
}

// executeUpdate rewrites matching records in place, keeping every index
// in step by removing the old projections and inserting the new ones.
func (t *Table) executeUpdate(stmt *statement.Statement) (*QueryResult, error) {
	matches, err := t.searchTable(stmt)
	if err != nil {
		return nil, err
	}

	rows := 0
	for _, rid := range matches {
		ph, err := t.getPage(rid.PageNum)
		if err != nil {
			return nil, err
		}
		rec, err := ph.Read(rid.SlotNum)
		if errors.Is(err, dberr.ErrDeletedRecord) {
			_ = ph.Close()
			continue
		}
		if err != nil {
			_ = ph.Close()
			return nil, err
		}

		oldTr := NewTableRecord(rec, t.meta)
		newRec := make(record.Record, len(rec))
		copy(newRec, rec)
		newTr := NewTableRecord(newRec, t.meta)
		for i := range stmt.SetAttrs {
			if err := newTr.SetAttr(stmt.SetAttrs[i], stmt.SetValues[i]); err != nil {
				_ = ph.Close()
				return nil, err
			}
		}

		if err := t.indexes.DeleteFromIndexes(oldTr.Subset, rid); err != nil {
			_ = ph.Close()
			return nil, err
		}
		if err := ph.Update(rid.SlotNum, newTr.Rec); err != nil {
			_ = ph.Close()
			return nil, err
		}
		if err := t.indexes.InsertIntoIndexes(newTr.Subset, rid); err != nil {
			_ = ph.Close()
			return nil, err
		}
		if err := ph.Close(); err != nil {
			return nil, err
		}
		rows++
	}
	return &QueryResult{RowsAffected: rows}, nil
}

func (t *Table) executeSelect(stmt *statement.Statement) (*QueryResult, error) {
	matches, err := t.searchTable(stmt)
	if err != nil {
		return nil, err
	}
	result := &QueryResult{}
	for _, rid := range matches {
		ph, err := t.getPage(rid.PageNum)
		if err != nil {
			return nil, err
		}
		rec, err := ph.Read(rid.SlotNum)
		if closeErr := ph.Close(); closeErr != nil {
			return nil, closeErr
		}
		if errors.Is(err, dberr.ErrDeletedRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, rec)
	}
	result.RowsAffected = len(result.Records)
	return result, nil
}

// executeCreateIndex registers the tree and backfills it from the
// existing records so later index-assisted searches see them.
func (t *Table) executeCreateIndex(stmt *statement.Statement) (*QueryResult, error) {
	layout, err := t.meta.SubLayout(stmt.Attrs)
	if err != nil {
		return nil, err
	}
	id, err := t.indexes.FindIndex(stmt.Attrs)
	if err != nil {
		return nil, err
	}
	if id != indexmanager.NoIndex {
		return &QueryResult{}, nil
	}
	if err := t.indexes.CreateIndex(stmt.Attrs, layout); err != nil {
		return nil, err
	}
	tree, err := t.indexes.GetIndexFor(stmt.Attrs)
	if err != nil {
		return nil, err
	}

	rows := 0
	err = t.scan(func(rid record.RecID, rec record.Record) error {
		key, err := NewTableRecord(rec, t.meta).Subset(stmt.Attrs)
		if err != nil {
			return err
		}
		rows++
		return tree.InsertEntry(key, rid)
	})
	if err != nil {
		return nil, err
	}
	return &QueryResult{RowsAffected: rows}, nil
}

// executeVacuum walks every record page and counts the live records.
// Compaction already runs when each page handler closes, so the walk
// itself rewrites no page.
func (t *Table) executeVacuum() (*QueryResult, error) {
	rows := 0
	err := t.scan(func(record.RecID, record.Record) error {
		rows++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &QueryResult{RowsAffected: rows}, nil
}

// searchTable computes candidate record ids: through a tree whose
// attribute tuple equals the WHERE clause's equality conjuncts when one
// exists, else by full scan. Candidates are then filtered by the full
// predicate.
func (t *Table) searchTable(stmt *statement.Statement) ([]record.RecID, error) {
	if stmt.Where != nil {
		attrs, values := stmt.Where.EqualityConjuncts()
		if len(attrs) > 0 {
			tree, err := t.indexes.GetIndexFor(attrs)
			if err != nil {
				return nil, err
			}
			if tree != nil {
				key := make(record.Record, 0, len(attrs))
				for i, attr := range attrs {
					dt, err := t.meta.TypeOf(attr)
					if err != nil {
						return nil, err
					}
					f, err := types.ParseField(values[i], dt)
					if err != nil {
						return nil, err
					}
					key = append(key, f)
				}
				return t.findMatchesIndexed(stmt, tree, key)
			}
		}
	}
	return t.findMatchesScan(stmt)
}

type indexedTree interface {
	GetMatches(key record.Record) ([]record.RecID, error)
}

// findMatchesIndexed narrows candidates through the tree, then applies
// the whole WHERE clause to each candidate record.
func (t *Table) findMatchesIndexed(stmt *statement.Statement, tree indexedTree, key record.Record) ([]record.RecID, error) {
	candidates, err := tree.GetMatches(key)
	if err != nil {
		return nil, err
	}
	var matches []record.RecID
	for _, rid := range candidates {
		ph, err := t.getPage(rid.PageNum)
		if err != nil {
			return nil, err
		}
		rec, err := ph.Read(rid.SlotNum)
		if closeErr := ph.Close(); closeErr != nil {
			return nil, closeErr
		}
		if errors.Is(err, dberr.ErrDeletedRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ok, err := t.applyClause(stmt.Where, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, rid)
		}
	}
	return matches, nil
}

// findMatchesScan is the full-scan fallback.
func (t *Table) findMatchesScan(stmt *statement.Statement) ([]record.RecID, error) {
	var matches []record.RecID
	err := t.scan(func(rid record.RecID, rec record.Record) error {
		ok, err := t.applyClause(stmt.Where, rec)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, rid)
		}
		return nil
	})
	return matches, err
}

// scan visits every live record in page order.
func (t *Table) scan(visit func(record.RecID, record.Record) error) error {
	for pageNum := int32(0); pageNum < t.meta.NumPages; pageNum++ {
		ph, err := t.getPage(pageNum)
		if err != nil {
			return err
		}
		for slot := int32(0); slot < ph.NumRecords(); slot++ {
			rec, err := ph.Read(slot)
			if errors.Is(err, dberr.ErrDeletedRecord) {
				continue
			}
			if err != nil {
				_ = ph.Close()
				return err
			}
			if err := visit(record.RecID{PageNum: pageNum, SlotNum: slot}, rec); err != nil {
				_ = ph.Close()
				return err
			}
		}
		if err := ph.Close(); err != nil {
			return err
		}
	}
	return nil
}

// applyClause evaluates the WHERE tree against a record. A nil tree and
// empty nodes match everything.
func (t *Table) applyClause(tree *statement.ASTTree, rec record.Record) (bool, error) {
	if tree == nil {
		return true, nil
	}
	return t.evalClause(tree, rec, 0)
}

func (t *Table) evalClause(tree *statement.ASTTree, rec record.Record, pos int) (bool, error) {
	if tree.Empty(pos) {
		return true, nil
	}
	node := &tree[pos]
	if node.IsCond {
		idx, err := t.meta.AttrIdx(node.Lhs)
		if err != nil {
			return false, err
		}
		rhs, err := types.ParseField(node.Rhs, t.meta.Layout[idx])
		if err != nil {
			return false, err
		}
		return rec[idx].Compare(node.Comp, rhs)
	}

	left, err := t.evalClause(tree, rec, statement.Left(pos))
	if err != nil {
		return false, err
	}
	right, err := t.evalClause(tree, rec, statement.Right(pos))
	if err != nil {
		return false, err
	}
	switch node.Conj {
	case statement.And:
		return left && right, nil
	case statement.Or:
		return left || right, nil
	default:
		return false, errors.Wrapf(dberr.ErrInvalidRecord, "clause node %d has no operation", pos)
	}
}

// pushBackRecord appends to the table's last record page, rolling over to
// a brand-new page when it reports full.
func (t *Table) pushBackRecord(rec record.Record) (record.RecID, error) {
	var ph *heap.PageHandler
	var err error

	if t.meta.NumPages == 0 {
		ph, err = t.createPage(0)
		if err != nil {
			return record.NilRecID, err
		}
		t.meta.NumPages = 1
	} else {
		ph, err = t.getPage(t.meta.NumPages - 1)
		if err != nil {
			return record.NilRecID, err
		}
	}

	rid, err := ph.Add(rec)
	if errors.Is(err, dberr.ErrPageFull) {
		if closeErr := ph.Close(); closeErr != nil {
			return record.NilRecID, closeErr
		}
		ph, err = t.createPage(t.meta.NumPages)
		if err != nil {
			return record.NilRecID, err
		}
		t.meta.NumPages++
		rid, err = ph.Add(rec)
	}
	if err != nil {
		_ = ph.Close()
		return record.NilRecID, err
	}
	if closeErr := ph.Close(); closeErr != nil {
		return record.NilRecID, closeErr
	}
	return rid, t.meta.Save()
}

func (t *Table) getPage(pageNum int32) (*heap.PageHandler, error) {
	if pageNum < 0 || pageNum >= t.meta.NumPages {
		return nil, errors.Wrapf(dberr.ErrInvalidOffset, "page %d of table %s (%d pages)", pageNum, t.name, t.meta.NumPages)
	}
	h, err := t.cache.ReadPage(int(t.dataFile.Fd()), pageNum, t.meta.Layout)
	if err != nil {
		return nil, err
	}
	return heap.NewPageHandler(t.cache, h)
}

func (t *Table) createPage(pageNum int32) (*heap.PageHandler, error) {
	h, err := t.cache.CreatePage(int(t.dataFile.Fd()), pageNum, t.meta.Layout)
	if err != nil {
		return nil, err
	}
	return heap.NewPageHandler(t.cache, h)
}
