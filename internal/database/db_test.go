package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jask/fintrack/internal/config"
)

// testManager opens a fresh file-backed store under a temp dir.
func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "fintrack-test.db"),
		AutoCreate:    true,
		BusyTimeoutMS: 1000,
	}
	m := NewManager(cfg, zerolog.Nop())
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestInitializeCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "fintrack.db")
	m := NewManager(config.DatabaseConfig{Path: path, AutoCreate: true}, zerolog.Nop())
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer m.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	m := testManager(t)
	if err := m.Initialize(); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	db, err := m.Conn()
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if db == nil {
		t.Fatal("conn returned nil handle")
	}
}

func TestConnBeforeInitialize(t *testing.T) {
	m := NewManager(config.DatabaseConfig{Path: "/nonexistent/x.db"}, zerolog.Nop())
	_, err := m.Conn()
	if err == nil {
		t.Fatal("expected error before initialize")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("err = %v, want ErrConnectionFailed", err)
	}
}

func TestIsHealthy(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	if !m.IsHealthy(ctx) {
		t.Error("initialized store reported unhealthy")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.IsHealthy(ctx) {
		t.Error("closed store reported healthy")
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := testManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want []string
	}{
		{
			name: "file with defaults",
			cfg:  config.DatabaseConfig{Path: "/tmp/a.db"},
			want: []string{"file:/tmp/a.db", "_foreign_keys=on", "_busy_timeout=5000", "_journal_mode=WAL", "_synchronous=NORMAL"},
		},
		{
			name: "custom busy timeout",
			cfg:  config.DatabaseConfig{Path: "/tmp/a.db", BusyTimeoutMS: 250},
			want: []string{"_busy_timeout=250"},
		},
		{
			name: "in memory",
			cfg:  config.DatabaseConfig{InMemory: true},
			want: []string{"file::memory:", "cache=shared", "mode=memory"},
		},
		{
			name: "read only",
			cfg:  config.DatabaseConfig{Path: "/tmp/a.db", ReadOnly: true},
			want: []string{"mode=ro"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dsn := NewManager(tc.cfg, zerolog.Nop()).DSN()
			for _, frag := range tc.want {
				if !strings.Contains(dsn, frag) {
					t.Errorf("DSN %q missing %q", dsn, frag)
				}
			}
		})
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	db, err := m.Conn()
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE t (n INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (n) VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rolled-back insert visible, count = %d", count)
	}
}

func TestDefaultManagerReset(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FINTRACK_CONFIG", "")
	t.Setenv("FINTRACK_DATABASE_PATH", filepath.Join(t.TempDir(), "default.db"))
	defer ResetDefault()

	m1, err := Default(zerolog.Nop())
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	m2, err := Default(zerolog.Nop())
	if err != nil {
		t.Fatalf("default again: %v", err)
	}
	if m1 != m2 {
		t.Error("Default returned distinct managers")
	}

	ResetDefault()
	m3, err := Default(zerolog.Nop())
	if err != nil {
		t.Fatalf("default after reset: %v", err)
	}
	if m3 == m1 {
		t.Error("ResetDefault did not discard the cached manager")
	}
}
