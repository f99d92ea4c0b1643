package atom

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store is the SQLite-backed atom store.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
	logger *log.Logger

	gcCancel context.CancelFunc
	gcDone   chan struct{}

	hookMu       sync.Mutex
	collectHooks []func(ids []int64)
}

// New creates a store with the given configuration. Call Init before use.
func New(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, wrapError("init", fmt.Errorf("%w: database path cannot be empty", ErrInvalidConfig))
	}
	if config.MaxContentSize <= 0 {
		config.MaxContentSize = DefaultMaxContentSize
	}
	if config.MaxContentSize <= InlineLimit {
		return nil, wrapError("init", fmt.Errorf("%w: max content size %d below inline limit", ErrInvalidConfig, config.MaxContentSize))
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(io.Discard)
		logger.SetLevel(log.FatalLevel)
	}
	return &Store{config: config, logger: logger}, nil
}

// Init opens the database and creates the schema.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("init", ErrStoreClosed)
	}

	// WAL for reader/writer concurrency, busy_timeout so concurrent
	// producers wait for the writer instead of failing. The _pragma DSN
	// form applies to every pooled connection, foreign_keys included.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=cache_size(-2000)&_pragma=foreign_keys(1)", s.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return wrapError("init", fmt.Errorf("failed to open database: %w", err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)
	s.db = db

	if err := s.createTables(ctx); err != nil {
		return wrapError("init", err)
	}

	if s.config.GCInterval > 0 {
		gcCtx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		s.gcDone = make(chan struct{})
		go s.gcLoop(gcCtx)
	}
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS atoms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		digest BLOB NOT NULL,
		inline_value BLOB NOT NULL,
		overflow_payload BLOB,
		overflow INTEGER NOT NULL DEFAULT 0,
		modality TEXT NOT NULL DEFAULT '',
		subtype TEXT NOT NULL DEFAULT '',
		ref_count INTEGER NOT NULL DEFAULT 1,
		coord BLOB,
		curve_key INTEGER,
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		released_at INTEGER,
		UNIQUE (tenant_id, digest)
	);

	CREATE INDEX IF NOT EXISTS idx_atoms_tenant ON atoms(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_atoms_curve_key ON atoms(curve_key);
	CREATE INDEX IF NOT EXISTS idx_atoms_gc ON atoms(ref_count, released_at);

	CREATE TABLE IF NOT EXISTS atom_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		atom_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		ref_count INTEGER NOT NULL,
		valid_from INTEGER NOT NULL,
		valid_to INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_atom_versions_atom ON atom_versions(atom_id, valid_from);

	CREATE TABLE IF NOT EXISTS composition_edges (
		parent_id INTEGER NOT NULL,
		child_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		relation TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (parent_id, child_id, relation),
		UNIQUE (parent_id, relation, seq),
		FOREIGN KEY (parent_id) REFERENCES atoms(id) ON DELETE CASCADE,
		FOREIGN KEY (child_id) REFERENCES atoms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_parent ON composition_edges(parent_id, relation, seq);
	CREATE INDEX IF NOT EXISTS idx_edges_child ON composition_edges(child_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so collaborating stores (composition
// graph, basis registry, snapshots, control records) share one file.
func (s *Store) DB() *sql.DB { return s.db }

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.gcCancel
	done := s.gcDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return wrapError(op, ErrStoreClosed)
	}
	return nil
}
