package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Migration is one schema-change unit. Up and Down run inside the engine's
// batch transaction; units must be safe to re-run against a partially evolved
// store (insert-if-absent seeds, column-exists checks).
//
// Units do not write their own ledger rows. The engine records every applied
// version in schema_migrations as a post-condition of Up, so a unit that
// conditionally skips destructive steps is still marked applied.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
	Down    func(ctx context.Context, tx *sql.Tx) error
}

// AppliedMigration is a row of the version ledger.
type AppliedMigration struct {
	Version   int
	AppliedAt time.Time
}

// Engine applies an ordered, versioned set of migrations against the managed
// store.
type Engine struct {
	mgr        *Manager
	log        zerolog.Logger
	migrations []Migration
}

// NewEngine validates the registry and builds an engine. The declared
// versions must be exactly 1..N with no gaps or duplicates; anything else is
// a construction-time ErrMigrationFailed.
func NewEngine(mgr *Manager, log zerolog.Logger, migrations []Migration) (*Engine, error) {
	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for i, m := range ordered {
		if m.Version != i+1 {
			return nil, NewError(KindMigration, "validate registry",
				fmt.Errorf("versions must be 1..%d with no gaps or duplicates, got %d at position %d", len(ordered), m.Version, i))
		}
		if m.Up == nil {
			return nil, NewError(KindMigration, "validate registry",
				fmt.Errorf("migration %d (%s) has no up transform", m.Version, m.Name))
		}
	}
	return &Engine{mgr: mgr, log: log, migrations: ordered}, nil
}

// ensureLedger creates the version ledger table if absent.
func (e *Engine) ensureLedger(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return NewError(KindMigration, "create ledger", err)
	}
	return nil
}

// Applied returns the ledger contents in version order.
func (e *Engine) Applied(ctx context.Context) ([]AppliedMigration, error) {
	db, err := e.mgr.Conn()
	if err != nil {
		return nil, err
	}
	if err := e.ensureLedger(ctx, db); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, NewError(KindMigration, "read ledger", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var appliedAt string
		if err := rows.Scan(&a.Version, &appliedAt); err != nil {
			return nil, NewError(KindMigration, "scan ledger row", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Pending returns the units whose version is not recorded in the ledger.
// Membership is checked per unit, not against the ledger's maximum, so an
// engine restarted mid-sequence resumes correctly.
func (e *Engine) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := e.Applied(ctx)
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[int]bool, len(applied))
	for _, a := range applied {
		appliedSet[a.Version] = true
	}
	var pending []Migration
	for _, m := range e.migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// RunPending applies every pending unit inside a single transaction. If any
// unit's Up fails the whole batch rolls back and the ledger is unchanged.
// Calling it with nothing pending is a no-op.
func (e *Engine) RunPending(ctx context.Context) error {
	pending, err := e.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		e.log.Debug().Msg("no pending migrations")
		return nil
	}

	err = e.mgr.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range pending {
			if err := m.Up(ctx, tx); err != nil {
				return NewError(KindMigration, fmt.Sprintf("apply %d (%s)", m.Version, m.Name), err)
			}
			// ledger row is the engine's responsibility, not the unit's
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				m.Version, Now().Format(time.RFC3339)); err != nil {
				return NewError(KindMigration, fmt.Sprintf("record %d (%s)", m.Version, m.Name), err)
			}
			e.log.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration applied")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// RollbackTo applies Down transforms for every applied version greater than
// target, newest first, removing each ledger entry, all in one transaction.
func (e *Engine) RollbackTo(ctx context.Context, target int) error {
	if target < 0 || target > len(e.migrations) {
		return NewError(KindMigration, "rollback", fmt.Errorf("target %d out of range 0..%d", target, len(e.migrations)))
	}
	applied, err := e.Applied(ctx)
	if err != nil {
		return err
	}

	byVersion := make(map[int]Migration, len(e.migrations))
	for _, m := range e.migrations {
		byVersion[m.Version] = m
	}

	var toRevert []Migration
	for i := len(applied) - 1; i >= 0; i-- {
		v := applied[i].Version
		if v <= target {
			continue
		}
		m, ok := byVersion[v]
		if !ok || m.Down == nil {
			return NewError(KindMigration, "rollback", fmt.Errorf("migration %d has no down transform", v))
		}
		toRevert = append(toRevert, m)
	}
	if len(toRevert) == 0 {
		return nil
	}

	return e.mgr.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range toRevert {
			if err := m.Down(ctx, tx); err != nil {
				return NewError(KindMigration, fmt.Sprintf("revert %d (%s)", m.Version, m.Name), err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
				return NewError(KindMigration, fmt.Sprintf("unrecord %d (%s)", m.Version, m.Name), err)
			}
			e.log.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration reverted")
		}
		return nil
	})
}

// Status returns applied and pending migrations, for health checks and the
// CLI.
func (e *Engine) Status(ctx context.Context) (applied []AppliedMigration, pending []Migration, err error) {
	applied, err = e.Applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	pending, err = e.Pending(ctx)
	if err != nil {
		return nil, nil, err
	}
	return applied, pending, nil
}

// columnExists reports whether table already has the named column, used by
// units that add columns and must tolerate partial prior application.
func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
