// Package database assembles the engine: the I/O ring and its reaper,
// the worker pool, the page cache, and the set of loaded tables. It is
// the synchronous boundary — statements enter here and are driven through
// the task runtime.
package database

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Suhail-Mohamed/CoroDB/pkg/concurrency"
	"github.com/Suhail-Mohamed/CoroDB/pkg/logging"
	"github.com/Suhail-Mohamed/CoroDB/pkg/memory"
	"github.com/Suhail-Mohamed/CoroDB/pkg/metrics"
	"github.com/Suhail-Mohamed/CoroDB/pkg/statement"
	"github.com/Suhail-Mohamed/CoroDB/pkg/storage/disk"
	"github.com/Suhail-Mohamed/CoroDB/pkg/table"
)

// Defaults sized like the original deployment: a 512-entry buffer ring
// and 128 scratch frames.
const (
	DefaultRingSize     = 512
	DefaultPagePoolSize = 128
)

// Config shapes an engine instance.
type Config struct {
	// Path is the database root directory, one subdirectory per table.
	Path string

	// RingSize is the registered buffer ring capacity; a power of two.
	RingSize int

	// PagePoolSize is the non-persistent scratch frame count.
	PagePoolSize int

	// Workers is the worker pool size.
	Workers int

	Log logging.Config

	// Registry receives the engine's collectors; nil disables metrics.
	Registry prometheus.Registerer
}

// Engine owns every service of the storage core. Shutdown runs in
// dependency order: tables close, the reaper stops, the pool stops, the
// ring tears down, and finally the cache flushes whatever is still dirty.
type Engine struct {
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	ring   *disk.Ring
	reaper *disk.Reaper
	pool   *concurrency.Pool
	cache  *memory.Cache

	// stmtSem keeps one worker free for I/O wake-ups: at most
	// pool.Size()-1 statement tasks run at once.
	stmtSem *semaphore.Weighted

	mu     sync.Mutex
	tables map[string]*table.Table
}

// Open builds the engine under cfg.Path.
func Open(cfg Config) (*Engine, error) {
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.PagePoolSize == 0 {
		cfg.PagePoolSize = DefaultPagePoolSize
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating database root %s", cfg.Path)
	}

	log := logging.New(cfg.Log)
	var met *metrics.Metrics
	if cfg.Registry != nil {
		met = metrics.New(cfg.Registry)
	}

	ioPages := make([]*disk.Page, cfg.RingSize)
	for i := range ioPages {
		ioPages[i] = new(disk.Page)
	}
	ring, err := disk.NewRing(ioPages, log, met)
	if err != nil {
		return nil, err
	}
	pool := concurrency.NewPool(cfg.Workers, log, met)
	reaper := disk.StartReaper(ring, pool, log)
	cache := memory.NewCache(ring, reaper, ioPages, cfg.PagePoolSize, log, met)

	log.Info("engine opened",
		zap.String("path", cfg.Path),
		zap.Int("ring_size", cfg.RingSize),
		zap.Int("page_pool", cfg.PagePoolSize))

	return &Engine{
		cfg:     cfg,
		log:     log,
		met:     met,
		ring:    ring,
		reaper:  reaper,
		pool:    pool,
		cache:   cache,
		stmtSem: semaphore.NewWeighted(int64(pool.Size() - 1)),
		tables:  make(map[string]*table.Table),
	}, nil
}

// Cache exposes the page cache to embedding layers.
func (e *Engine) Cache() *memory.Cache { return e.cache }

// Pool exposes the worker pool.
func (e *Engine) Pool() *concurrency.Pool { return e.pool }

// Execute runs one parsed statement to completion and returns its
// result. The statement body executes on the worker pool as a task; the
// calling thread blocks on the completion flag.
func (e *Engine) Execute(stmt *statement.Statement) (*table.QueryResult, error) {
	queryLog := e.log.With(
		zap.String("query_id", uuid.NewString()),
		zap.Stringer("command", stmt.Command),
		zap.String("table", stmt.TableNames[0]))

	switch stmt.Command {
	case statement.Create:
		if err := e.CreateTable(stmt); err != nil {
			queryLog.Error("create table failed", zap.Error(err))
			return nil, err
		}
		queryLog.Info("table created")
		return &table.QueryResult{}, nil
	case statement.Drop:
		if err := e.DropTable(stmt.TableNames[0]); err != nil {
			queryLog.Error("drop table failed", zap.Error(err))
			return nil, err
		}
		queryLog.Info("table dropped")
		return &table.QueryResult{}, nil
	}

	tbl, err := e.GetTable(stmt.TableNames[0])
	if err != nil {
		return nil, err
	}

	if err := e.stmtSem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	defer e.stmtSem.Release(1)

	task := concurrency.NewTask(func() (*table.QueryResult, error) {
		return tbl.ExecuteStatement(stmt)
	})
	result, err := concurrency.SyncWait(e.pool, task)
	if err != nil {
		queryLog.Error("statement failed", zap.Error(err))
		return nil, err
	}
	queryLog.Debug("statement executed", zap.Int("rows", result.RowsAffected))
	return result, nil
}

// CreateTable materializes a table folder; creating a table that already
// exists is an error.
func (e *Engine) CreateTable(stmt *statement.Statement) error {
	name := stmt.TableNames[0]
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, loaded := e.tables[name]; loaded {
		return errors.Errorf("table %s already exists", name)
	}
	tbl, err := table.Create(e.cache, e.cfg.Path, name, stmt, e.log)
	if err != nil {
		return err
	}
	e.tables[name] = tbl
	return nil
}

// GetTable returns a loaded table, loading it from disk on first touch.
func (e *Engine) GetTable(name string) (*table.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tbl, ok := e.tables[name]; ok {
		return tbl, nil
	}
	tbl, err := table.Open(e.cache, e.cfg.Path, name, e.log)
	if err != nil {
		return nil, errors.Wrapf(err, "loading table %s", name)
	}
	e.tables[name] = tbl
	return tbl, nil
}

// DropTable closes the table and removes its folder tree.
func (e *Engine) DropTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tbl, ok := e.tables[name]
	if !ok {
		loaded, err := table.Open(e.cache, e.cfg.Path, name, e.log)
		if err != nil {
			return errors.Wrapf(err, "dropping table %s", name)
		}
		tbl = loaded
	}
	dir := tbl.Dir()
	if err := tbl.Close(); err != nil {
		return err
	}
	delete(e.tables, name)
	return os.RemoveAll(dir)
}

// Close shuts the engine down in dependency order.
func (e *Engine) Close() error {
	e.mu.Lock()
	g := new(errgroup.Group)
	for _, tbl := range e.tables {
		g.Go(tbl.Close)
	}
	e.tables = make(map[string]*table.Table)
	e.mu.Unlock()
	err := g.Wait()

	e.reaper.Stop()
	e.pool.Stop()
	e.ring.Close()
	err = multierr.Append(err, e.cache.FlushAll())

	e.log.Info("engine closed", zap.Error(err))
	_ = e.log.Sync()
	return err
}
