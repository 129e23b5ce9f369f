package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jask/fintrack/internal/database"
)

// NewTransaction is the caller-supplied shape for creating a transaction.
// The identifier is assigned on insert.
type NewTransaction struct {
	Date        time.Time
	Description string
	AmountCents int64
	Type        string
	Currency    string
	CategoryID  *string
	Notes       string
}

// TransactionUpdate enumerates every updatable field. Nil pointers leave the
// stored value alone; the Clear flags null out an optional reference.
type TransactionUpdate struct {
	Date              *time.Time
	Description       *string
	AmountCents       *int64
	Type              *string
	Currency          *string
	CategoryID        *string
	ClearCategory     bool
	IsSubscription    *bool
	SubscriptionID    *string
	ClearSubscription bool
	Notes             *string
}

// TransactionFilters defines list filters for FindWithPagination.
type TransactionFilters struct {
	StartDate            *time.Time
	EndDate              *time.Time
	Type                 string
	Search               string
	CategoryIDs          []string
	IncludeUncategorized bool
}

// PageRequest selects a page and a whitelisted sort field.
type PageRequest struct {
	Page     int
	Limit    int
	SortBy   string
	SortDesc bool
}

// PagedTransactions is one page of results plus count-derived paging state.
type PagedTransactions struct {
	Items       []Transaction
	TotalCount  int
	TotalPages  int
	Page        int
	Limit       int
	HasNext     bool
	HasPrevious bool
}

// sortColumns is the whitelist of sortable fields; anything else falls back
// to date. Never interpolate caller input into ORDER BY.
var sortColumns = map[string]string{
	"date":        "date",
	"amount":      "amount_cents",
	"description": "description",
	"created_at":  "created_at",
}

const txColumns = `id, date, description, amount_cents, tx_type, currency, category_id, is_subscription, subscription_id, notes, created_at, updated_at`

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var date, createdAt, updatedAt string
	var category, subscription sql.NullString
	var isSub int
	if err := row.Scan(&t.ID, &date, &t.Description, &t.AmountCents, &t.Type, &t.Currency,
		&category, &isSub, &subscription, &t.Notes, &createdAt, &updatedAt); err != nil {
		return Transaction{}, err
	}
	var err error
	if t.Date, err = parseDate(date); err != nil {
		return Transaction{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Transaction{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Transaction{}, err
	}
	t.IsSubscription = isSub == 1
	if category.Valid {
		t.CategoryID = &category.String
	}
	if subscription.Valid {
		t.SubscriptionID = &subscription.String
	}
	return t, nil
}

// conflictKey is the human-readable identifier for a natural-key conflict.
func conflictKey(n NewTransaction) string {
	return fmt.Sprintf("%s %q %d", formatDate(n.Date), n.Description, n.AmountCents)
}

func (r *TransactionRepo) insert(ctx context.Context, q querier, n NewTransaction) (Transaction, error) {
	if n.Currency == "" {
		n.Currency = "USD"
	}
	now := database.Now()
	t := Transaction{
		ID:          uuid.NewString(),
		Date:        n.Date,
		Description: n.Description,
		AmountCents: n.AmountCents,
		Type:        n.Type,
		Currency:    n.Currency,
		CategoryID:  n.CategoryID,
		Notes:       n.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	query := `
	INSERT INTO transactions (id, date, description, amount_cents, tx_type, currency, category_id, notes, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		t.ID, formatDate(t.Date), t.Description, t.AmountCents, t.Type, t.Currency,
		t.CategoryID, t.Notes, formatTime(now), formatTime(now))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return Transaction{}, database.NewError(database.KindConstraint, "create transaction",
				fmt.Errorf("transaction %s already exists", conflictKey(n))).WithQuery(query)
		}
		return Transaction{}, database.ClassifyExec("create transaction", err)
	}
	return t, nil
}

// Create persists one transaction. A natural-key conflict on
// (date, description, amount) fails loudly with a constraint violation
// naming the conflicting record.
func (r *TransactionRepo) Create(ctx context.Context, n NewTransaction) (Transaction, error) {
	return r.insert(ctx, r.db, n)
}

// CheckDuplicates partitions candidates by whether their natural key already
// exists in the store. It issues reads only.
func (r *TransactionRepo) CheckDuplicates(ctx context.Context, candidates []NewTransaction) (fresh, duplicates []NewTransaction, err error) {
	for _, n := range candidates {
		var exists int
		err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE date = ? AND description = ? AND amount_cents = ?`,
			formatDate(n.Date), n.Description, n.AmountCents).Scan(&exists)
		if err != nil {
			return nil, nil, database.NewError(database.KindOperation, "check duplicates", err)
		}
		if exists > 0 {
			duplicates = append(duplicates, n)
		} else {
			fresh = append(fresh, n)
		}
	}
	return fresh, duplicates, nil
}

// CreateMany inserts a batch, pre-classifying duplicates against persisted
// rows and inserting the remainder inside one transaction. Rows that still
// hit the unique constraint at insert time are reclassified as duplicates
// rather than aborting the batch, so overlap with prior imports is not an
// error. An empty input returns a zero result without touching the store.
func (r *TransactionRepo) CreateMany(ctx context.Context, candidates []NewTransaction) (BatchResult, error) {
	res := BatchResult{TotalProcessed: len(candidates)}
	if len(candidates) == 0 {
		return res, nil
	}

	fresh, dups, err := r.CheckDuplicates(ctx, candidates)
	if err != nil {
		return BatchResult{}, err
	}
	res.Duplicates = dups

	// duplicates inside the batch itself collide at insert time and are
	// reclassified below
	err = database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, n := range fresh {
			t, err := r.insert(ctx, tx, n)
			if err != nil {
				if errors.Is(err, database.ErrConstraintViolation) {
					res.Duplicates = append(res.Duplicates, n)
					continue
				}
				return err
			}
			res.Created = append(res.Created, t)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

// Get returns the transaction, or nil without error when absent.
func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	return queryOne(ctx, r.db, scanTransaction,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
}

// List returns all transactions, newest first.
func (r *TransactionRepo) List(ctx context.Context) ([]Transaction, error) {
	return queryList(ctx, r.db, scanTransaction,
		`SELECT `+txColumns+` FROM transactions ORDER BY date DESC, created_at DESC`)
}

// FindByDateRange returns transactions with start <= date <= end.
func (r *TransactionRepo) FindByDateRange(ctx context.Context, start, end time.Time) ([]Transaction, error) {
	if start.After(end) {
		return nil, database.NewError(database.KindOperation, "find by date range",
			fmt.Errorf("start date %s after end date %s", formatDate(start), formatDate(end)))
	}
	return queryList(ctx, r.db, scanTransaction,
		`SELECT `+txColumns+` FROM transactions WHERE date >= ? AND date <= ? ORDER BY date DESC, created_at DESC`,
		formatDate(start), formatDate(end))
}

// FindBySubscription returns transactions flagged for a subscription.
func (r *TransactionRepo) FindBySubscription(ctx context.Context, subscriptionID string) ([]Transaction, error) {
	return queryList(ctx, r.db, scanTransaction,
		`SELECT `+txColumns+` FROM transactions WHERE subscription_id = ? ORDER BY date DESC`, subscriptionID)
}

func buildFilterClause(f TransactionFilters) (string, []any) {
	var where []string
	var args []any

	if f.StartDate != nil {
		where = append(where, "date >= ?")
		args = append(args, formatDate(*f.StartDate))
	}
	if f.EndDate != nil {
		where = append(where, "date <= ?")
		args = append(args, formatDate(*f.EndDate))
	}
	if f.Type != "" {
		where = append(where, "tx_type = ?")
		args = append(args, f.Type)
	}
	if f.Search != "" {
		where = append(where, "description LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if len(f.CategoryIDs) > 0 {
		placeholders := make([]string, len(f.CategoryIDs))
		for i, id := range f.CategoryIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		clause := "category_id IN (" + strings.Join(placeholders, ",") + ")"
		if f.IncludeUncategorized {
			clause = "(" + clause + " OR category_id IS NULL)"
		}
		where = append(where, clause)
	} else if f.IncludeUncategorized {
		where = append(where, "category_id IS NULL")
	}

	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// FindWithPagination returns one page of filtered, sorted transactions plus
// paging state derived from the total count.
func (r *TransactionRepo) FindWithPagination(ctx context.Context, f TransactionFilters, p PageRequest) (PagedTransactions, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 50
	}
	sortCol, ok := sortColumns[p.SortBy]
	if !ok {
		sortCol = "date"
	}
	dir := "ASC"
	if p.SortDesc {
		dir = "DESC"
	}

	clause, args := buildFilterClause(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM transactions" + clause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return PagedTransactions{}, database.NewError(database.KindOperation, "count transactions", err).WithQuery(countQuery, args...)
	}

	query := "SELECT " + txColumns + " FROM transactions" + clause +
		fmt.Sprintf(" ORDER BY %s %s, created_at DESC LIMIT ? OFFSET ?", sortCol, dir)
	pageArgs := append(append([]any{}, args...), p.Limit, (p.Page-1)*p.Limit)
	items, err := queryList(ctx, r.db, scanTransaction, query, pageArgs...)
	if err != nil {
		return PagedTransactions{}, err
	}

	totalPages := int(math.Ceil(float64(total) / float64(p.Limit)))
	return PagedTransactions{
		Items:       items,
		TotalCount:  total,
		TotalPages:  totalPages,
		Page:        p.Page,
		Limit:       p.Limit,
		HasNext:     p.Page < totalPages,
		HasPrevious: p.Page > 1 && total > 0,
	}, nil
}

// Update applies the supplied partial fields and returns the canonical
// persisted state re-read from the store. Returns nil, nil when the row is
// absent.
func (r *TransactionRepo) Update(ctx context.Context, id string, u TransactionUpdate) (*Transaction, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	var b updateBuilder
	if u.Date != nil {
		b.set("date", formatDate(*u.Date))
	}
	if u.Description != nil {
		b.set("description", *u.Description)
	}
	if u.AmountCents != nil {
		b.set("amount_cents", *u.AmountCents)
	}
	if u.Type != nil {
		b.set("tx_type", *u.Type)
	}
	if u.Currency != nil {
		b.set("currency", *u.Currency)
	}
	if u.ClearCategory {
		b.set("category_id", nil)
	} else if u.CategoryID != nil {
		b.set("category_id", *u.CategoryID)
	}
	if u.IsSubscription != nil {
		b.set("is_subscription", boolToInt(*u.IsSubscription))
	}
	if u.ClearSubscription {
		b.set("subscription_id", nil)
	} else if u.SubscriptionID != nil {
		b.set("subscription_id", *u.SubscriptionID)
	}
	if u.Notes != nil {
		b.set("notes", *u.Notes)
	}
	if !b.empty() {
		if err := b.exec(ctx, r.db, "transactions", id); err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, id)
}

// Delete removes a transaction, reporting whether a row was removed.
func (r *TransactionRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return false, database.ClassifyExec("delete transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.NewError(database.KindOperation, "delete transaction", err)
	}
	return n > 0, nil
}

// CalculateSummary aggregates income, expense (absolute), net and count over
// an optional date range. An empty store yields all zeros. A start after end
// is rejected before any query is issued.
func (r *TransactionRepo) CalculateSummary(ctx context.Context, start, end *time.Time) (Summary, error) {
	if start != nil && end != nil && start.After(*end) {
		return Summary{}, database.NewError(database.KindOperation, "calculate summary",
			fmt.Errorf("start date %s after end date %s", formatDate(*start), formatDate(*end)))
	}

	var where []string
	var args []any
	if start != nil {
		where = append(where, "date >= ?")
		args = append(args, formatDate(*start))
	}
	if end != nil {
		where = append(where, "date <= ?")
		args = append(args, formatDate(*end))
	}
	query := `
	SELECT
		COALESCE(SUM(CASE WHEN tx_type = 'income' THEN amount_cents ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN tx_type = 'expense' THEN ABS(amount_cents) ELSE 0 END), 0),
		COUNT(*)
	FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var s Summary
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&s.TotalIncomeCents, &s.TotalExpenseCents, &s.TransactionCount); err != nil {
		return Summary{}, database.NewError(database.KindOperation, "calculate summary", err).WithQuery(query, args...)
	}
	s.NetCents = s.TotalIncomeCents - s.TotalExpenseCents
	return s, nil
}
