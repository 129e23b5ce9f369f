package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/jask/fintrack/internal/database"
)

// Confidence feedback increments. Rejection punishes harder than
// confirmation rewards; the result is clamped to [0.1, 1.0].
const (
	confidenceReward  = 0.05
	confidencePenalty = 0.15
	confidenceMin     = 0.1
	confidenceMax     = 1.0
)

// NewCategory is the caller-supplied shape for creating a category.
type NewCategory struct {
	Name     string
	Color    string
	Icon     *string
	ParentID *string
}

// CategoryUpdate enumerates every updatable category field.
type CategoryUpdate struct {
	Name        *string
	Color       *string
	Icon        *string
	ClearIcon   bool
	ParentID    *string
	ClearParent bool
	IsActive    *bool
}

// NewCategoryRule is the caller-supplied shape for creating a rule.
type NewCategoryRule struct {
	CategoryID  string
	Pattern     string
	PatternType string
	Confidence  float64
	Source      string
}

const categoryColumns = `id, name, color, icon, parent_id, is_active, created_at, updated_at`

const categoryRuleColumns = `id, category_id, pattern, pattern_type, confidence, usage_count, source, created_at, updated_at`

// CategoryRepo handles categories and their rules.
type CategoryRepo struct {
	db *sql.DB
}

func NewCategoryRepo(db *sql.DB) *CategoryRepo { return &CategoryRepo{db: db} }

func scanCategory(row scanner) (Category, error) {
	var c Category
	var icon, parent sql.NullString
	var active int
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.Name, &c.Color, &icon, &parent, &active, &createdAt, &updatedAt); err != nil {
		return Category{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Category{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Category{}, err
	}
	c.IsActive = active == 1
	if icon.Valid {
		c.Icon = &icon.String
	}
	if parent.Valid {
		c.ParentID = &parent.String
	}
	return c, nil
}

func scanCategoryRule(row scanner) (CategoryRule, error) {
	var cr CategoryRule
	var createdAt, updatedAt string
	if err := row.Scan(&cr.ID, &cr.CategoryID, &cr.Pattern, &cr.PatternType, &cr.Confidence,
		&cr.UsageCount, &cr.Source, &createdAt, &updatedAt); err != nil {
		return CategoryRule{}, err
	}
	var err error
	if cr.CreatedAt, err = parseTime(createdAt); err != nil {
		return CategoryRule{}, err
	}
	if cr.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return CategoryRule{}, err
	}
	return cr, nil
}

// Create persists a category. A duplicate name is a constraint violation
// naming the conflict.
func (r *CategoryRepo) Create(ctx context.Context, n NewCategory) (Category, error) {
	if n.Color == "" {
		n.Color = "#7f849c"
	}
	now := database.Now()
	c := Category{
		ID:        uuid.NewString(),
		Name:      n.Name,
		Color:     n.Color,
		Icon:      n.Icon,
		ParentID:  n.ParentID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO categories (id, name, color, icon, parent_id, is_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		c.ID, c.Name, c.Color, c.Icon, c.ParentID, formatTime(now), formatTime(now))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return Category{}, database.NewError(database.KindConstraint, "create category",
				fmt.Errorf("category %q already exists", n.Name))
		}
		return Category{}, database.ClassifyExec("create category", err)
	}
	return c, nil
}

// Get returns the category, or nil without error when absent.
func (r *CategoryRepo) Get(ctx context.Context, id string) (*Category, error) {
	return queryOne(ctx, r.db, scanCategory,
		`SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id)
}

// GetByName returns the category with the given name, or nil when absent.
func (r *CategoryRepo) GetByName(ctx context.Context, name string) (*Category, error) {
	return queryOne(ctx, r.db, scanCategory,
		`SELECT `+categoryColumns+` FROM categories WHERE name = ?`, name)
}

// List returns categories ordered by name. Inactive categories are included
// only when asked for.
func (r *CategoryRepo) List(ctx context.Context, includeInactive bool) ([]Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`
	return queryList(ctx, r.db, scanCategory, query)
}

// Update applies the supplied partial fields and re-reads the row. Returns
// nil, nil when absent.
func (r *CategoryRepo) Update(ctx context.Context, id string, u CategoryUpdate) (*Category, error) {
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
	if u.Color != nil {
		b.set("color", *u.Color)
	}
	if u.ClearIcon {
		b.set("icon", nil)
	} else if u.Icon != nil {
		b.set("icon", *u.Icon)
	}
	if u.ClearParent {
		b.set("parent_id", nil)
	} else if u.ParentID != nil {
		b.set("parent_id", *u.ParentID)
	}
	if u.IsActive != nil {
		b.set("is_active", boolToInt(*u.IsActive))
	}
	if !b.empty() {
		if err := b.exec(ctx, r.db, "categories", id); err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, id)
}

// Deactivate soft-deletes a category. Referencing rows keep their category
// id; categories are never hard-deleted while referenced.
func (r *CategoryRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE categories SET is_active = 0, updated_at = ? WHERE id = ?`,
		formatTime(database.Now()), id)
	if err != nil {
		return false, database.ClassifyExec("deactivate category", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.NewError(database.KindOperation, "deactivate category", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Category rules
// ---------------------------------------------------------------------------

// CreateRule persists a categorization rule.
func (r *CategoryRepo) CreateRule(ctx context.Context, n NewCategoryRule) (CategoryRule, error) {
	if n.Confidence <= 0 {
		n.Confidence = 1.0
	}
	if n.Source == "" {
		n.Source = SourceUser
	}
	now := database.Now()
	cr := CategoryRule{
		ID:          uuid.NewString(),
		CategoryID:  n.CategoryID,
		Pattern:     n.Pattern,
		PatternType: n.PatternType,
		Confidence:  clampConfidence(n.Confidence),
		Source:      n.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO category_rules (id, category_id, pattern, pattern_type, confidence, usage_count, source, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		cr.ID, cr.CategoryID, cr.Pattern, cr.PatternType, cr.Confidence, cr.Source,
		formatTime(now), formatTime(now))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return CategoryRule{}, database.NewError(database.KindConstraint, "create rule",
				fmt.Errorf("rule %q already exists for category", n.Pattern))
		}
		return CategoryRule{}, database.ClassifyExec("create rule", err)
	}
	return cr, nil
}

// GetRule returns the rule, or nil without error when absent.
func (r *CategoryRepo) GetRule(ctx context.Context, id string) (*CategoryRule, error) {
	return queryOne(ctx, r.db, scanCategoryRule,
		`SELECT `+categoryRuleColumns+` FROM category_rules WHERE id = ?`, id)
}

// ListRules returns all rules, highest confidence first.
func (r *CategoryRepo) ListRules(ctx context.Context) ([]CategoryRule, error) {
	return queryList(ctx, r.db, scanCategoryRule,
		`SELECT `+categoryRuleColumns+` FROM category_rules ORDER BY confidence DESC, pattern`)
}

// ListRulesByCategory returns the rules for one category.
func (r *CategoryRepo) ListRulesByCategory(ctx context.Context, categoryID string) ([]CategoryRule, error) {
	return queryList(ctx, r.db, scanCategoryRule,
		`SELECT `+categoryRuleColumns+` FROM category_rules WHERE category_id = ? ORDER BY confidence DESC, pattern`, categoryID)
}

// AdjustRuleConfidence applies user feedback: a confirmation nudges
// confidence up, a rejection pulls it down harder, clamped to [0.1, 1.0].
// Usage count increments either way. Returns nil, nil when absent.
func (r *CategoryRepo) AdjustRuleConfidence(ctx context.Context, id string, confirmed bool) (*CategoryRule, error) {
	existing, err := r.GetRule(ctx, id)
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
	UPDATE category_rules SET confidence = ?, usage_count = usage_count + 1, updated_at = ? WHERE id = ?`,
		next, formatTime(database.Now()), id)
	if err != nil {
		return nil, database.ClassifyExec("adjust rule confidence", err)
	}
	return r.GetRule(ctx, id)
}

// DeleteRule removes a rule, reporting whether a row was removed.
func (r *CategoryRepo) DeleteRule(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM category_rules WHERE id = ?`, id)
	if err != nil {
		return false, database.ClassifyExec("delete rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.NewError(database.KindOperation, "delete rule", err)
	}
	return n > 0, nil
}

func clampConfidence(v float64) float64 {
	if v < confidenceMin {
		return confidenceMin
	}
	if v > confidenceMax {
		return confidenceMax
	}
	return v
}
