// Package repository is the sole API surface business code uses against the
// store. Every method either fully succeeds or fails with a classified
// database error; partial writes are never observable.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jask/fintrack/internal/database"
)

// Stored text formats. Dates are day-granular, timestamps are RFC3339.
const (
	dateLayout = "2006-01-02"
)

// Repository aggregates the per-entity repositories behind one constructor.
type Repository struct {
	mgr *database.Manager

	Transactions  *TransactionRepo
	Categories    *CategoryRepo
	Subscriptions *SubscriptionRepo
	Budgets       *BudgetRepo
}

// New builds the repository facade on an initialized manager.
func New(mgr *database.Manager) (*Repository, error) {
	db, err := mgr.Conn()
	if err != nil {
		return nil, err
	}
	return &Repository{
		mgr:           mgr,
		Transactions:  NewTransactionRepo(db),
		Categories:    NewCategoryRepo(db),
		Subscriptions: NewSubscriptionRepo(db),
		Budgets:       NewBudgetRepo(db),
	}, nil
}

// Close releases the underlying store handle.
func (r *Repository) Close() error { return r.mgr.Close() }

// IsHealthy reports whether the underlying store answers a round trip.
func (r *Repository) IsHealthy(ctx context.Context) bool { return r.mgr.IsHealthy(ctx) }

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

// scanner handles nullable fields for both Row and Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// queryList runs query and maps every row through scan. Each entity declares
// its scan function once; list and lookup paths share it so the stored shape
// and the in-memory shape cannot drift apart.
func queryList[T any](ctx context.Context, q querier, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.NewError(database.KindOperation, "query", err).WithQuery(query, args...)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, database.NewError(database.KindOperation, "scan", err).WithQuery(query, args...)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, database.NewError(database.KindOperation, "iterate", err).WithQuery(query, args...)
	}
	return out, nil
}

// queryOne maps a single row, returning (nil, nil) when absent.
func queryOne[T any](ctx context.Context, q querier, scan func(scanner) (T, error), query string, args ...any) (*T, error) {
	row := q.QueryRowContext(ctx, query, args...)
	v, err := scan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, database.NewError(database.KindOperation, "query row", err).WithQuery(query, args...)
	}
	return &v, nil
}

// ---------------------------------------------------------------------------
// Stored-representation normalization
// ---------------------------------------------------------------------------

func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatDate(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// thresholds are stored as an ordered comma-separated percentage list.
func formatThresholds(vals []float64) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%.2f", v), "0"), "0")
		parts[i] = strings.TrimSuffix(parts[i], ".")
	}
	return strings.Join(parts, ",")
}

func parseThresholds(s string) []float64 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []float64
	for _, p := range strings.Split(s, ",") {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%f", &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Typed partial updates
// ---------------------------------------------------------------------------

// updateBuilder accumulates SET clauses for a fixed, per-entity column set.
// Update methods enumerate their possible fields explicitly; no caller ever
// supplies a column name.
type updateBuilder struct {
	sets []string
	args []any
}

func (b *updateBuilder) set(column string, v any) {
	b.sets = append(b.sets, column+" = ?")
	b.args = append(b.args, v)
}

func (b *updateBuilder) empty() bool { return len(b.sets) == 0 }

// exec runs the UPDATE against table for id, always refreshing updated_at.
func (b *updateBuilder) exec(ctx context.Context, q querier, table, id string) error {
	b.set("updated_at", formatTime(database.Now()))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(b.sets, ", "))
	args := append(b.args, id)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		kind := database.KindOperation
		if database.IsConstraintViolation(err) {
			kind = database.KindConstraint
		}
		return database.NewError(kind, "update "+table, err).WithQuery(query, args...)
	}
	return nil
}
