package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/fintrack/internal/database"
)

func TestCategoryCreateGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	icon := "cart"
	created, err := repo.Categories.Create(ctx, NewCategory{Name: "Hobby", Color: "#ff0000", Icon: &icon})
	require.NoError(t, err)
	require.True(t, created.IsActive)

	got, err := repo.Categories.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Hobby", got.Name)
	require.Equal(t, "#ff0000", got.Color)
	require.NotNil(t, got.Icon)
	require.Equal(t, "cart", *got.Icon)

	byName, err := repo.Categories.GetByName(ctx, "Hobby")
	require.NoError(t, err)
	require.NotNil(t, byName)
	require.Equal(t, created.ID, byName.ID)
}

func TestCategoryDuplicateName(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	_, err := repo.Categories.Create(ctx, NewCategory{Name: "Twice"})
	require.NoError(t, err)

	_, err = repo.Categories.Create(ctx, NewCategory{Name: "Twice"})
	require.Error(t, err)
	require.ErrorIs(t, err, database.ErrConstraintViolation)
	require.Contains(t, err.Error(), "Twice")
}

func TestCategoryDeactivateIsSoft(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	c := mustCategory(t, repo, "Fleeting")
	tx := mustTransaction(t, repo, date(2026, 1, 5), "KEPT", -100, TypeExpense, &c.ID)

	ok, err := repo.Categories.Deactivate(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// row survives, flagged inactive
	got, err := repo.Categories.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.IsActive)

	// referencing transaction keeps its category
	kept, err := repo.Transactions.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, kept.CategoryID)
	require.Equal(t, c.ID, *kept.CategoryID)

	active, err := repo.Categories.List(ctx, false)
	require.NoError(t, err)
	for _, cat := range active {
		require.NotEqual(t, c.ID, cat.ID)
	}
	all, err := repo.Categories.List(ctx, true)
	require.NoError(t, err)
	require.Greater(t, len(all), len(active))
}

func TestCategoryUpdate(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	icon := "star"
	c, err := repo.Categories.Create(ctx, NewCategory{Name: "Mutable", Icon: &icon})
	require.NoError(t, err)

	name := "Renamed"
	updated, err := repo.Categories.Update(ctx, c.ID, CategoryUpdate{Name: &name, ClearIcon: true})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, "Renamed", updated.Name)
	require.Nil(t, updated.Icon)

	missing, err := repo.Categories.Update(ctx, "no-such-id", CategoryUpdate{Name: &name})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSeededReferenceData(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	groceries, err := repo.Categories.GetByName(ctx, "Groceries")
	require.NoError(t, err)
	require.NotNil(t, groceries)

	rules, err := repo.Categories.ListRulesByCategory(ctx, groceries.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	for _, r := range rules {
		require.Equal(t, SourceSystem, r.Source)
		require.Equal(t, PatternContains, r.PatternType)
	}
}

func TestCategoryRuleLifecycle(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	c := mustCategory(t, repo, "Ruled")
	rule, err := repo.Categories.CreateRule(ctx, NewCategoryRule{
		CategoryID:  c.ID,
		Pattern:     "ACME CORP",
		PatternType: PatternContains,
		Confidence:  9.5, // clamped on write
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, rule.Confidence)
	require.Equal(t, SourceUser, rule.Source)
	require.Equal(t, 0, rule.UsageCount)

	// same pattern for the same category conflicts
	_, err = repo.Categories.CreateRule(ctx, NewCategoryRule{
		CategoryID: c.ID, Pattern: "ACME CORP", PatternType: PatternContains,
	})
	require.ErrorIs(t, err, database.ErrConstraintViolation)

	ok, err := repo.Categories.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	require.True(t, ok)
	gone, err := repo.Categories.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestAdjustRuleConfidence(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	c := mustCategory(t, repo, "Learning")
	rule, err := repo.Categories.CreateRule(ctx, NewCategoryRule{
		CategoryID:  c.ID,
		Pattern:     "CAFE",
		PatternType: PatternContains,
		Confidence:  0.5,
	})
	require.NoError(t, err)

	up, err := repo.Categories.AdjustRuleConfidence(ctx, rule.ID, true)
	require.NoError(t, err)
	require.InDelta(t, 0.55, up.Confidence, 1e-9)
	require.Equal(t, 1, up.UsageCount)

	down, err := repo.Categories.AdjustRuleConfidence(ctx, rule.ID, false)
	require.NoError(t, err)
	require.InDelta(t, 0.40, down.Confidence, 1e-9)
	require.Equal(t, 2, down.UsageCount)

	// repeated rejections stop at the floor
	for i := 0; i < 5; i++ {
		down, err = repo.Categories.AdjustRuleConfidence(ctx, rule.ID, false)
		require.NoError(t, err)
	}
	require.InDelta(t, 0.1, down.Confidence, 1e-9)

	// repeated confirmations stop at the ceiling
	var last *CategoryRule
	for i := 0; i < 25; i++ {
		last, err = repo.Categories.AdjustRuleConfidence(ctx, rule.ID, true)
		require.NoError(t, err)
	}
	require.InDelta(t, 1.0, last.Confidence, 1e-9)

	missing, err := repo.Categories.AdjustRuleConfidence(ctx, "no-such-id", true)
	require.NoError(t, err)
	require.Nil(t, missing)
}
