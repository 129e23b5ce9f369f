package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jask/fintrack/internal/database"
)

// NewSubscription is the caller-supplied shape for creating a subscription.
type NewSubscription struct {
	Name            string
	AmountCents     int64
	Currency        string
	Frequency       string
	CustomDays      *int
	NextPaymentDate time.Time
	CategoryID      *string
	StartDate       time.Time
	EndDate         *time.Time
	UsageRating     *int
	Notes           string
}

// SubscriptionUpdate enumerates every updatable subscription field.
type SubscriptionUpdate struct {
	Name            *string
	AmountCents     *int64
	Currency        *string
	Frequency       *string
	CustomDays      *int
	NextPaymentDate *time.Time
	CategoryID      *string
	ClearCategory   bool
	IsActive        *bool
	StartDate       *time.Time
	EndDate         *time.Time
	ClearEndDate    bool
	UsageRating     *int
	Notes           *string
}

// NewSubscriptionPattern is the caller-supplied shape for creating a pattern.
type NewSubscriptionPattern struct {
	SubscriptionID string
	Pattern        string
	PatternType    string
	Confidence     float64
	Source         string
}

const subscriptionColumns = `id, name, amount_cents, currency, frequency, custom_days, next_payment_date, category_id, is_active, start_date, end_date, usage_rating, notes, created_at, updated_at`

const subscriptionPatternColumns = `id, subscription_id, pattern, pattern_type, confidence, source, created_at, updated_at`

// SubscriptionRepo handles subscriptions and their detection patterns.
type SubscriptionRepo struct {
	db *sql.DB
}

func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

func scanSubscription(row scanner) (Subscription, error) {
	var s Subscription
	var customDays, usageRating sql.NullInt64
	var category, endDate sql.NullString
	var active int
	var nextPayment, startDate, createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Name, &s.AmountCents, &s.Currency, &s.Frequency, &customDays,
		&nextPayment, &category, &active, &startDate, &endDate, &usageRating, &s.Notes,
		&createdAt, &updatedAt); err != nil {
		return Subscription{}, err
	}
	var err error
	if s.NextPaymentDate, err = parseDate(nextPayment); err != nil {
		return Subscription{}, err
	}
	if s.StartDate, err = parseDate(startDate); err != nil {
		return Subscription{}, err
	}
	if endDate.Valid {
		t, err := parseDate(endDate.String)
		if err != nil {
			return Subscription{}, err
		}
		s.EndDate = &t
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return Subscription{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Subscription{}, err
	}
	s.IsActive = active == 1
	if customDays.Valid {
		d := int(customDays.Int64)
		s.CustomDays = &d
	}
	if usageRating.Valid {
		u := int(usageRating.Int64)
		s.UsageRating = &u
	}
	if category.Valid {
		s.CategoryID = &category.String
	}
	return s, nil
}

func scanSubscriptionPattern(row scanner) (SubscriptionPattern, error) {
	var sp SubscriptionPattern
	var createdAt, updatedAt string
	if err := row.Scan(&sp.ID, &sp.SubscriptionID, &sp.Pattern, &sp.PatternType,
		&sp.Confidence, &sp.Source, &createdAt, &updatedAt); err != nil {
		return SubscriptionPattern{}, err
	}
	var err error
	if sp.CreatedAt, err = parseTime(createdAt); err != nil {
		return SubscriptionPattern{}, err
	}
	if sp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return SubscriptionPattern{}, err
	}
	return sp, nil
}

// Create persists a subscription.
func (r *SubscriptionRepo) Create(ctx context.Context, n NewSubscription) (Subscription, error) {
	if n.Currency == "" {
		n.Currency = "USD"
	}
	if n.Frequency == FrequencyCustom && (n.CustomDays == nil || *n.CustomDays <= 0) {
		return Subscription{}, database.NewError(database.KindOperation, "create subscription",
			fmt.Errorf("custom frequency requires a positive day count"))
	}
	now := database.Now()
	s := Subscription{
		ID:              uuid.NewString(),
		Name:            n.Name,
		AmountCents:     n.AmountCents,
		Currency:        n.Currency,
		Frequency:       n.Frequency,
		CustomDays:      n.CustomDays,
		NextPaymentDate: n.NextPaymentDate,
		CategoryID:      n.CategoryID,
		IsActive:        true,
		StartDate:       n.StartDate,
		EndDate:         n.EndDate,
		UsageRating:     n.UsageRating,
		Notes:           n.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO subscriptions (id, name, amount_cents, currency, frequency, custom_days, next_payment_date, category_id, is_active, start_date, end_date, usage_rating, notes, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.AmountCents, s.Currency, s.Frequency, s.CustomDays,
		formatDate(s.NextPaymentDate), s.CategoryID, formatDate(s.StartDate), nullDate(s.EndDate),
		s.UsageRating, s.Notes, formatTime(now), formatTime(now))
	if err != nil {
		return Subscription{}, database.ClassifyExec("create subscription", err)
	}
	return s, nil
}

// Get returns the subscription, or nil without error when absent.
func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*Subscription, error) {
	return queryOne(ctx, r.db, scanSubscription,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

// List returns subscriptions ordered by name. Inactive ones are included
// only when asked for.
func (r *SubscriptionRepo) List(ctx context.Context, includeInactive bool) ([]Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`
	return queryList(ctx, r.db, scanSubscription, query)
}

// Update applies the supplied partial fields and re-reads the row. Returns
// nil, nil when absent.
func (r *SubscriptionRepo) Update(ctx context.Context, id string, u SubscriptionUpdate) (*Subscription, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	var b updateBuilder
	if u.Name != nil {
		b.set("name", *u.Name)
	}
	if u.AmountCents != nil {
		b.set("amount_cents", *u.AmountCents)
	}
	if u.Currency != nil {
		b.set("currency", *u.Currency)
	}
	if u.Frequency != nil {
		b.set("frequency", *u.Frequency)
	}
	if u.CustomDays != nil {
		b.set("custom_days", *u.CustomDays)
	}
	if u.NextPaymentDate != nil {
		b.set("next_payment_date", formatDate(*u.NextPaymentDate))
	}
	if u.ClearCategory {
		b.set("category_id", nil)
	} else if u.CategoryID != nil {
		b.set("category_id", *u.CategoryID)
	}
	if u.IsActive != nil {
		b.set("is_active", boolToInt(*u.IsActive))
	}
	if u.StartDate != nil {
		b.set("start_date", formatDate(*u.StartDate))
	}
	if u.ClearEndDate {
		b.set("end_date", nil)
	} else if u.EndDate != nil {
		b.set("end_date", formatDate(*u.EndDate))
	}
	if u.UsageRating != nil {
		b.set("usage_rating", *u.UsageRating)
	}
	if u.Notes != nil {
		b.set("notes", *u.Notes)
	}
	if !b.empty() {
		if err := b.exec(ctx, r.db, "subscriptions", id); err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, id)
}

// Delete removes a subscription and cascades in one transaction: its
// patterns are removed and every transaction referencing it is un-flagged
// before the row itself goes. Reports whether a row was removed.
func (r *SubscriptionRepo) Delete(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_patterns WHERE subscription_id = ?`, id); err != nil {
			return database.ClassifyExec("delete subscription patterns", err)
		}
		if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET is_subscription = 0, subscription_id = NULL, updated_at = ?
		WHERE subscription_id = ?`, formatTime(database.Now()), id); err != nil {
			return database.ClassifyExec("unflag subscription transactions", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
		if err != nil {
			return database.ClassifyExec("delete subscription", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return database.NewError(database.KindOperation, "delete subscription", err)
		}
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// monthlyEquivalentCents normalizes a billing amount to a per-month cost.
func monthlyEquivalentCents(s Subscription) int64 {
	switch s.Frequency {
	case FrequencyMonthly:
		return s.AmountCents
	case FrequencyQuarterly:
		return int64(math.Round(float64(s.AmountCents) / 3))
	case FrequencyAnnually:
		return int64(math.Round(float64(s.AmountCents) / 12))
	case FrequencyCustom:
		if s.CustomDays == nil || *s.CustomDays <= 0 {
			return s.AmountCents
		}
		return int64(math.Round(float64(s.AmountCents) * 30 / float64(*s.CustomDays)))
	default:
		return s.AmountCents
	}
}

// CalculateTotalMonthlyCost sums the monthly-equivalent cost of all active
// subscriptions.
func (r *SubscriptionRepo) CalculateTotalMonthlyCost(ctx context.Context) (int64, error) {
	subs, err := r.List(ctx, false)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range subs {
		total += monthlyEquivalentCents(s)
	}
	return total, nil
}

// ---------------------------------------------------------------------------
// Subscription patterns
// ---------------------------------------------------------------------------

// CreatePattern persists a detection pattern for a subscription.
func (r *SubscriptionRepo) CreatePattern(ctx context.Context, n NewSubscriptionPattern) (SubscriptionPattern, error) {
	if n.Confidence <= 0 {
		n.Confidence = 1.0
	}
	if n.Source == "" {
		n.Source = SourceUser
	}
	now := database.Now()
	sp := SubscriptionPattern{
		ID:             uuid.NewString(),
		SubscriptionID: n.SubscriptionID,
		Pattern:        n.Pattern,
		PatternType:    n.PatternType,
		Confidence:     clampConfidence(n.Confidence),
		Source:         n.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO subscription_patterns (id, subscription_id, pattern, pattern_type, confidence, source, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.SubscriptionID, sp.Pattern, sp.PatternType, sp.Confidence, sp.Source,
		formatTime(now), formatTime(now))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return SubscriptionPattern{}, database.NewError(database.KindConstraint, "create pattern",
				fmt.Errorf("pattern %q already exists for subscription", n.Pattern))
		}
		return SubscriptionPattern{}, database.ClassifyExec("create pattern", err)
	}
	return sp, nil
}

// FindPatternsBySubscription returns the patterns for one subscription.
func (r *SubscriptionRepo) FindPatternsBySubscription(ctx context.Context, subscriptionID string) ([]SubscriptionPattern, error) {
	return queryList(ctx, r.db, scanSubscriptionPattern,
		`SELECT `+subscriptionPatternColumns+` FROM subscription_patterns WHERE subscription_id = ? ORDER BY confidence DESC, pattern`, subscriptionID)
}

// AdjustPatternConfidence applies user feedback with the same increments and
// clamp as category rules. Returns nil, nil when absent.
func (r *SubscriptionRepo) AdjustPatternConfidence(ctx context.Context, id string, confirmed bool) (*SubscriptionPattern, error) {
	existing, err := queryOne(ctx, r.db, scanSubscriptionPattern,
		`SELECT `+subscriptionPatternColumns+` FROM subscription_patterns WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	next := existing.Confidence + confidenceReward
	if !confirmed {
		next = existing.Confidence - confidencePenalty
	}
	next = clampConfidence(next)

	_, err = r.db.ExecContext(ctx, `
	UPDATE subscription_patterns SET confidence = ?, updated_at = ? WHERE id = ?`,
		next, formatTime(database.Now()), id)
	if err != nil {
		return nil, database.ClassifyExec("adjust pattern confidence", err)
	}
	return queryOne(ctx, r.db, scanSubscriptionPattern,
		`SELECT `+subscriptionPatternColumns+` FROM subscription_patterns WHERE id = ?`, id)
}

// DeletePattern removes a pattern, reporting whether a row was removed.
func (r *SubscriptionRepo) DeletePattern(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscription_patterns WHERE id = ?`, id)
	if err != nil {
		return false, database.ClassifyExec("delete pattern", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.NewError(database.KindOperation, "delete pattern", err)
	}
	return n > 0, nil
}
