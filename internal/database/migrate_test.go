package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

var fullRegistry = NewRegistry(false)

func testEngine(t *testing.T) (*Manager, *Engine) {
	t.Helper()
	m := testManager(t)
	e, err := NewEngine(m, zerolog.Nop(), fullRegistry)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return m, e
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
	if err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return n == 1
}

func TestNewEngineRejectsBadRegistries(t *testing.T) {
	noop := func(ctx context.Context, tx *sql.Tx) error { return nil }
	tests := []struct {
		name       string
		migrations []Migration
	}{
		{"gap", []Migration{
			{Version: 1, Name: "a", Up: noop},
			{Version: 3, Name: "b", Up: noop},
		}},
		{"duplicate", []Migration{
			{Version: 1, Name: "a", Up: noop},
			{Version: 1, Name: "b", Up: noop},
		}},
		{"zero based", []Migration{
			{Version: 0, Name: "a", Up: noop},
		}},
		{"missing up", []Migration{
			{Version: 1, Name: "a"},
		}},
	}
	m := testManager(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(m, zerolog.Nop(), tc.migrations)
			if err == nil {
				t.Fatal("expected registry validation error")
			}
			if !errors.Is(err, ErrMigrationFailed) {
				t.Errorf("err = %v, want ErrMigrationFailed", err)
			}
		})
	}
}

func TestRunPendingAppliesFullRegistry(t *testing.T) {
	ctx := context.Background()
	m, e := testEngine(t)
	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("run pending: %v", err)
	}

	db, _ := m.Conn()
	for _, table := range []string{
		"schema_migrations", "categories", "transactions", "category_rules",
		"subscriptions", "subscription_patterns", "budgets", "budget_alerts",
		"budget_scenarios",
	} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	applied, err := e.Applied(ctx)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != len(fullRegistry) {
		t.Errorf("applied = %d migrations, want %d", len(applied), len(fullRegistry))
	}
	for i, a := range applied {
		if a.Version != i+1 {
			t.Errorf("applied[%d].Version = %d, want %d", i, a.Version, i+1)
		}
		if a.AppliedAt.IsZero() {
			t.Errorf("applied[%d] has zero timestamp", i)
		}
	}
}

func TestRunPendingIdempotent(t *testing.T) {
	ctx := context.Background()
	m, e := testEngine(t)
	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	db, _ := m.Conn()
	categories := countRows(t, db, "categories")
	rules := countRows(t, db, "category_rules")
	scenarios := countRows(t, db, "budget_scenarios")

	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if got := countRows(t, db, "categories"); got != categories {
		t.Errorf("categories = %d after rerun, want %d", got, categories)
	}
	if got := countRows(t, db, "category_rules"); got != rules {
		t.Errorf("category_rules = %d after rerun, want %d", got, rules)
	}
	if got := countRows(t, db, "budget_scenarios"); got != scenarios {
		t.Errorf("budget_scenarios = %d after rerun, want %d", got, scenarios)
	}
	pending, err := e.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d after full apply, want 0", len(pending))
	}
}

func TestRunPendingResumesMidSequence(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	// apply only the first two units, as an older binary would have
	partial, err := NewEngine(m, zerolog.Nop(), fullRegistry[:2])
	if err != nil {
		t.Fatalf("partial engine: %v", err)
	}
	if err := partial.RunPending(ctx); err != nil {
		t.Fatalf("partial run: %v", err)
	}

	full, err := NewEngine(m, zerolog.Nop(), fullRegistry)
	if err != nil {
		t.Fatalf("full engine: %v", err)
	}
	pending, err := full.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != len(fullRegistry)-2 {
		t.Fatalf("pending = %d, want %d", len(pending), len(fullRegistry)-2)
	}
	if pending[0].Version != 3 {
		t.Errorf("first pending version = %d, want 3", pending[0].Version)
	}

	if err := full.RunPending(ctx); err != nil {
		t.Fatalf("resume run: %v", err)
	}
	applied, _ := full.Applied(ctx)
	if len(applied) != len(fullRegistry) {
		t.Errorf("applied = %d, want %d", len(applied), len(fullRegistry))
	}
}

func TestRunPendingFailureRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	registry := []Migration{
		{Version: 1, Name: "ok", Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`)
			return err
		}},
		{Version: 2, Name: "broken", Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `THIS IS NOT SQL`)
			return err
		}},
	}
	e, err := NewEngine(m, zerolog.Nop(), registry)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	err = e.RunPending(ctx)
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if !errors.Is(err, ErrMigrationFailed) {
		t.Errorf("err = %v, want ErrMigrationFailed", err)
	}

	db, _ := m.Conn()
	if tableExists(t, db, "widgets") {
		t.Error("unit 1 effects survived a failed batch")
	}
	applied, aerr := e.Applied(ctx)
	if aerr != nil {
		t.Fatalf("applied: %v", aerr)
	}
	if len(applied) != 0 {
		t.Errorf("ledger has %d rows after failed batch, want 0", len(applied))
	}
}

func TestRollbackTo(t *testing.T) {
	ctx := context.Background()
	m, e := testEngine(t)
	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("run pending: %v", err)
	}

	if err := e.RollbackTo(ctx, 2); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	db, _ := m.Conn()
	if tableExists(t, db, "budgets") {
		t.Error("budgets table survived rollback to 2")
	}
	if tableExists(t, db, "budget_scenarios") {
		t.Error("budget_scenarios table survived rollback to 2")
	}
	if !tableExists(t, db, "subscriptions") {
		t.Error("subscriptions table removed by rollback to 2")
	}
	applied, err := e.Applied(ctx)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d after rollback, want 2", len(applied))
	}

	// rolling forward again restores the full schema
	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if !tableExists(t, db, "budgets") {
		t.Error("budgets table missing after re-apply")
	}
}

func TestRollbackToBase(t *testing.T) {
	ctx := context.Background()
	m, e := testEngine(t)
	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("run pending: %v", err)
	}

	// unwinds every unit, including the version 2 down that drops columns
	// from transactions
	if err := e.RollbackTo(ctx, 0); err != nil {
		t.Fatalf("rollback to base: %v", err)
	}

	db, _ := m.Conn()
	for _, table := range []string{
		"categories", "transactions", "category_rules",
		"subscriptions", "subscription_patterns", "budgets", "budget_alerts",
		"budget_scenarios",
	} {
		if tableExists(t, db, table) {
			t.Errorf("table %s survived rollback to base", table)
		}
	}
	applied, err := e.Applied(ctx)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("applied = %d after rollback to base, want 0", len(applied))
	}

	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("re-apply from base: %v", err)
	}
	if !tableExists(t, db, "transactions") {
		t.Error("transactions table missing after re-apply")
	}
}

func TestNewRegistryStrictTables(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	e, err := NewEngine(m, zerolog.Nop(), NewRegistry(true))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("run pending: %v", err)
	}

	db, _ := m.Conn()
	var ddl string
	err = db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type='table' AND name='transactions'`).Scan(&ddl)
	if err != nil {
		t.Fatalf("read table sql: %v", err)
	}
	if !strings.Contains(ddl, "STRICT") {
		t.Errorf("transactions DDL missing STRICT: %s", ddl)
	}
}

func TestRollbackToRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	_, e := testEngine(t)
	if err := e.RollbackTo(ctx, len(fullRegistry)+1); err == nil {
		t.Error("expected error for target above registry")
	}
	if err := e.RollbackTo(ctx, -1); err == nil {
		t.Error("expected error for negative target")
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	_, e := testEngine(t)

	applied, pending, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(applied) != 0 || len(pending) != len(fullRegistry) {
		t.Fatalf("fresh store: applied %d pending %d, want 0/%d", len(applied), len(pending), len(fullRegistry))
	}

	if err := e.RunPending(ctx); err != nil {
		t.Fatalf("run pending: %v", err)
	}
	applied, pending, err = e.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(applied) != len(fullRegistry) || len(pending) != 0 {
		t.Errorf("migrated store: applied %d pending %d, want %d/0", len(applied), len(pending), len(fullRegistry))
	}
}
