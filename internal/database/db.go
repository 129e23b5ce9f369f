package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/jask/fintrack/internal/config"
)

// Manager owns the lifecycle of the single sqlite handle. Everything above it
// reaches the store through Conn; nothing holds its own *sql.DB.
type Manager struct {
	cfg config.DatabaseConfig
	log zerolog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewManager builds an uninitialized manager. Call Initialize before use.
func NewManager(cfg config.DatabaseConfig, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, log: log}
}

// DSN builds the sqlite connection string from the configured options.
func (m *Manager) DSN() string {
	path := m.cfg.Path
	if m.cfg.InMemory {
		// shared cache keeps the in-memory database alive across the pool's
		// single connection being recycled
		path = ":memory:"
	}
	timeout := m.cfg.BusyTimeoutMS
	if timeout <= 0 {
		timeout = 5000
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, timeout)
	if m.cfg.InMemory {
		dsn += "&cache=shared&mode=memory"
	}
	if m.cfg.ReadOnly {
		dsn += "&mode=ro"
	}
	return dsn
}

// Initialize opens the store, creating the backing file's directory when
// auto-create is on, and verifies the connection.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return nil
	}

	if !m.cfg.InMemory && m.cfg.AutoCreate {
		if err := os.MkdirAll(filepath.Dir(m.cfg.Path), 0o755); err != nil {
			return NewError(KindConnection, "initialize", fmt.Errorf("create db dir: %w", err))
		}
	}

	db, err := sql.Open("sqlite3", m.DSN())
	if err != nil {
		return NewError(KindConnection, "initialize", fmt.Errorf("open db: %w", err))
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return NewError(KindConnection, "initialize", fmt.Errorf("ping db: %w", err))
	}

	m.db = db
	m.log.Debug().Str("path", m.cfg.Path).Bool("in_memory", m.cfg.InMemory).Msg("database initialized")
	return nil
}

// Strict reports whether new tables are created with STRICT typing.
func (m *Manager) Strict() bool { return m.cfg.Strict }

// Conn returns the live handle, or ErrConnectionFailed before Initialize.
func (m *Manager) Conn() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, NewError(KindConnection, "conn", fmt.Errorf("manager not initialized"))
	}
	return m.db, nil
}

// IsHealthy performs a trivial round trip. It never returns an error; an
// absent or broken store reads as unhealthy.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return false
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false
	}
	return one == 1
}

// Close is idempotent: closing twice, or closing an already-dead handle, does
// not raise.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	if err != nil {
		m.log.Warn().Err(err).Msg("close database")
	}
	return nil
}

// WithTx runs fn in a transaction on the managed handle.
func (m *Manager) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := m.Conn()
	if err != nil {
		return err
	}
	return WithTx(ctx, db, fn)
}

// WithTx runs fn in a transaction.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindOperation, "begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewError(KindOperation, "commit tx", err)
	}
	return nil
}

// Now returns UTC time truncated to seconds (consistent with SQLite default).
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// ---------------------------------------------------------------------------
// Process-wide default manager
// ---------------------------------------------------------------------------

var (
	defaultMu  sync.Mutex
	defaultMgr *Manager
)

// Default lazily constructs one manager per process from the loaded config.
// Prefer constructing a Manager explicitly and injecting it; this accessor
// exists for callers that share a single store per process.
func Default(log zerolog.Logger) (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMgr != nil {
		return defaultMgr, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, NewError(KindConnection, "default", err)
	}
	m := NewManager(cfg.Database, log)
	if err := m.Initialize(); err != nil {
		return nil, err
	}
	defaultMgr = m
	return defaultMgr, nil
}

// ResetDefault tears down the process-wide manager, primarily for test
// isolation.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMgr != nil {
		_ = defaultMgr.Close()
		defaultMgr = nil
	}
}
