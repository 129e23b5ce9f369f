package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ddl carries the table-shape options a registry was built with, so strict
// typing is decided where the registry is constructed rather than by shared
// state.
type ddl struct {
	strict bool
}

func (d ddl) createTable(ctx context.Context, tx *sql.Tx, name, body string) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", name, body)
	if d.strict {
		stmt += " STRICT"
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%s: %w", strings.SplitN(strings.TrimSpace(s), "\n", 2)[0], err)
		}
	}
	return nil
}

// NewRegistry builds the full ordered migration set. Versions are asserted to
// be 1..N when the engine is constructed. When strict is set, created tables
// use SQLite strict typing.
func NewRegistry(strict bool) []Migration {
	d := ddl{strict: strict}
	return []Migration{
		{Version: 1, Name: "core_schema", Up: d.upCoreSchema, Down: d.downCoreSchema},
		{Version: 2, Name: "subscriptions", Up: d.upSubscriptions, Down: d.downSubscriptions},
		{Version: 3, Name: "budgets", Up: d.upBudgets, Down: d.downBudgets},
		{Version: 4, Name: "budget_scenarios", Up: d.upBudgetScenarios, Down: d.downBudgetScenarios},
		{Version: 5, Name: "seed_reference_data", Up: d.upSeedReferenceData, Down: d.downSeedReferenceData},
	}
}

// ---------------------------------------------------------------------------
// 1: transactions, categories, category_rules
// ---------------------------------------------------------------------------

func (d ddl) upCoreSchema(ctx context.Context, tx *sql.Tx) error {
	if err := d.createTable(ctx, tx, "categories", `
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	color      TEXT NOT NULL DEFAULT '#7f849c',
	icon       TEXT,
	parent_id  TEXT REFERENCES categories(id) ON DELETE SET NULL,
	is_active  INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL`); err != nil {
		return err
	}
	if err := d.createTable(ctx, tx, "transactions", `
	id           TEXT PRIMARY KEY,
	date         TEXT NOT NULL,
	description  TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	tx_type      TEXT NOT NULL CHECK (tx_type IN ('income','expense','transfer')),
	currency     TEXT NOT NULL DEFAULT 'USD',
	category_id  TEXT REFERENCES categories(id) ON DELETE SET NULL,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE(date, description, amount_cents)`); err != nil {
		return err
	}
	if err := d.createTable(ctx, tx, "category_rules", `
	id           TEXT PRIMARY KEY,
	category_id  TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	pattern      TEXT NOT NULL,
	pattern_type TEXT NOT NULL CHECK (pattern_type IN ('exact','contains','starts_with','regex')),
	confidence   REAL NOT NULL DEFAULT 1.0,
	usage_count  INTEGER NOT NULL DEFAULT 0,
	source       TEXT NOT NULL CHECK (source IN ('user','system')),
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE(category_id, pattern)`); err != nil {
		return err
	}
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(category_id)`,
		`CREATE INDEX IF NOT EXISTS idx_category_rules_pattern ON category_rules(pattern)`,
	)
}

func (d ddl) downCoreSchema(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS category_rules`,
		`DROP TABLE IF EXISTS transactions`,
		`DROP TABLE IF EXISTS categories`,
	)
}

// ---------------------------------------------------------------------------
// 2: subscriptions, subscription_patterns, transaction flags
// ---------------------------------------------------------------------------

func (d ddl) upSubscriptions(ctx context.Context, tx *sql.Tx) error {
	if err := d.createTable(ctx, tx, "subscriptions", `
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	amount_cents      INTEGER NOT NULL,
	currency          TEXT NOT NULL DEFAULT 'USD',
	frequency         TEXT NOT NULL CHECK (frequency IN ('monthly','quarterly','annually','custom')),
	custom_days       INTEGER,
	next_payment_date TEXT NOT NULL,
	category_id       TEXT REFERENCES categories(id) ON DELETE SET NULL,
	is_active         INTEGER NOT NULL DEFAULT 1,
	start_date        TEXT NOT NULL,
	end_date          TEXT,
	usage_rating      INTEGER CHECK (usage_rating BETWEEN 1 AND 5),
	notes             TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL`); err != nil {
		return err
	}
	if err := d.createTable(ctx, tx, "subscription_patterns", `
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
	pattern         TEXT NOT NULL,
	pattern_type    TEXT NOT NULL CHECK (pattern_type IN ('exact','contains','starts_with','regex')),
	confidence      REAL NOT NULL DEFAULT 1.0,
	source          TEXT NOT NULL CHECK (source IN ('user','system')),
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE(subscription_id, pattern)`); err != nil {
		return err
	}

	// the flag columns may exist from a partial prior application
	ok, err := columnExists(ctx, tx, "transactions", "is_subscription")
	if err != nil {
		return err
	}
	if !ok {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE transactions ADD COLUMN is_subscription INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add is_subscription: %w", err)
		}
	}
	ok, err = columnExists(ctx, tx, "transactions", "subscription_id")
	if err != nil {
		return err
	}
	if !ok {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE transactions ADD COLUMN subscription_id TEXT REFERENCES subscriptions(id) ON DELETE SET NULL`); err != nil {
			return fmt.Errorf("add subscription_id: %w", err)
		}
	}
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS idx_transactions_subscription ON transactions(subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_patterns_sub ON subscription_patterns(subscription_id)`,
	)
}

func (d ddl) downSubscriptions(ctx context.Context, tx *sql.Tx) error {
	// the index on subscription_id must go first; SQLite refuses to drop an
	// indexed column
	if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_transactions_subscription`); err != nil {
		return fmt.Errorf("drop idx_transactions_subscription: %w", err)
	}
	for _, col := range []string{"subscription_id", "is_subscription"} {
		ok, err := columnExists(ctx, tx, "transactions", col)
		if err != nil {
			return err
		}
		if ok {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE transactions DROP COLUMN %s`, col)); err != nil {
				return fmt.Errorf("drop %s: %w", col, err)
			}
		}
	}
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS subscription_patterns`,
		`DROP TABLE IF EXISTS subscriptions`,
	)
}

// ---------------------------------------------------------------------------
// 3: budgets, budget_alerts
// ---------------------------------------------------------------------------

func (d ddl) upBudgets(ctx context.Context, tx *sql.Tx) error {
	if err := d.createTable(ctx, tx, "budgets", `
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	category_id      TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	amount_cents     INTEGER NOT NULL,
	currency         TEXT NOT NULL DEFAULT 'USD',
	period           TEXT NOT NULL CHECK (period IN ('monthly','yearly')),
	start_date       TEXT NOT NULL,
	end_date         TEXT,
	is_active        INTEGER NOT NULL DEFAULT 1,
	alert_thresholds TEXT NOT NULL DEFAULT '50,75,90',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL`); err != nil {
		return err
	}
	if err := d.createTable(ctx, tx, "budget_alerts", `
	id            TEXT PRIMARY KEY,
	budget_id     TEXT NOT NULL REFERENCES budgets(id) ON DELETE CASCADE,
	alert_type    TEXT NOT NULL CHECK (alert_type IN ('threshold','projection','exceeded')),
	threshold_pct REAL,
	message       TEXT NOT NULL,
	is_read       INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL`); err != nil {
		return err
	}
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS idx_budgets_category ON budgets(category_id)`,
		`CREATE INDEX IF NOT EXISTS idx_budget_alerts_budget ON budget_alerts(budget_id)`,
	)
}

func (d ddl) downBudgets(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS budget_alerts`,
		`DROP TABLE IF EXISTS budgets`,
	)
}

// ---------------------------------------------------------------------------
// 4: budget_scenarios
// ---------------------------------------------------------------------------

func (d ddl) upBudgetScenarios(ctx context.Context, tx *sql.Tx) error {
	if err := d.createTable(ctx, tx, "budget_scenarios", `
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_active   INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL`); err != nil {
		return err
	}
	ok, err := columnExists(ctx, tx, "budgets", "scenario_id")
	if err != nil {
		return err
	}
	if !ok {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE budgets ADD COLUMN scenario_id TEXT REFERENCES budget_scenarios(id) ON DELETE SET NULL`); err != nil {
			return fmt.Errorf("add scenario_id: %w", err)
		}
	}
	return nil
}

func (d ddl) downBudgetScenarios(ctx context.Context, tx *sql.Tx) error {
	ok, err := columnExists(ctx, tx, "budgets", "scenario_id")
	if err != nil {
		return err
	}
	if ok {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE budgets DROP COLUMN scenario_id`); err != nil {
			return fmt.Errorf("drop scenario_id: %w", err)
		}
	}
	return execAll(ctx, tx, `DROP TABLE IF EXISTS budget_scenarios`)
}

// ---------------------------------------------------------------------------
// 5: reference data seeds (insert-if-absent; safe to re-run)
// ---------------------------------------------------------------------------

var defaultCategories = []struct {
	name  string
	color string
	icon  string
}{
	{"Income", "#a6e3a1", "banknote"},
	{"Groceries", "#94e2d5", "cart"},
	{"Dining & Drinks", "#fab387", "utensils"},
	{"Transport", "#89b4fa", "car"},
	{"Bills & Utilities", "#cba6f7", "plug"},
	{"Subscriptions", "#f38ba8", "repeat"},
	{"Entertainment", "#f5c2e7", "film"},
	{"Shopping", "#f2cdcd", "bag"},
	{"Health", "#74c7ec", "heart"},
	{"Uncategorised", "#7f849c", "question"},
}

// starter contains-rules pointing common merchants at seeded categories
var defaultRules = []struct {
	category string
	pattern  string
}{
	{"Groceries", "WOOLWORTHS"},
	{"Groceries", "COLES"},
	{"Groceries", "ALDI"},
	{"Transport", "UBER"},
	{"Subscriptions", "NETFLIX"},
	{"Subscriptions", "SPOTIFY"},
	{"Dining & Drinks", "MCDONALDS"},
}

// seedID derives a stable id so re-running the seed never duplicates rows.
func seedID(kind, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+":"+key)).String()
}

func (d ddl) upSeedReferenceData(ctx context.Context, tx *sql.Tx) error {
	now := Now().Format(time.RFC3339)

	for _, c := range defaultCategories {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO categories (id, name, color, icon, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
			seedID("cat", c.name), c.name, c.color, c.icon, now, now); err != nil {
			return fmt.Errorf("seed category %q: %w", c.name, err)
		}
	}

	for _, r := range defaultRules {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO category_rules (id, category_id, pattern, pattern_type, confidence, usage_count, source, created_at, updated_at)
		VALUES (?, ?, ?, 'contains', 0.8, 0, 'system', ?, ?)
		ON CONFLICT(category_id, pattern) DO NOTHING`,
			seedID("rule", r.category+"|"+r.pattern), seedID("cat", r.category), r.pattern, now, now); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.pattern, err)
		}
	}

	// default scenario becomes active only on a store with no scenarios yet
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO budget_scenarios (id, name, description, is_active, created_at, updated_at)
	SELECT ?, 'Base', 'Default budgeting scenario', 1, ?, ?
	WHERE NOT EXISTS (SELECT 1 FROM budget_scenarios)`,
		seedID("scenario", "Base"), now, now); err != nil {
		return fmt.Errorf("seed scenario: %w", err)
	}
	return nil
}

func (d ddl) downSeedReferenceData(ctx context.Context, tx *sql.Tx) error {
	for _, r := range defaultRules {
		if _, err := tx.ExecContext(ctx, `DELETE FROM category_rules WHERE id = ?`, seedID("rule", r.category+"|"+r.pattern)); err != nil {
			return err
		}
	}
	for _, c := range defaultCategories {
		if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ? AND NOT EXISTS (SELECT 1 FROM transactions WHERE category_id = ?)`, seedID("cat", c.name), seedID("cat", c.name)); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM budget_scenarios WHERE id = ?`, seedID("scenario", "Base"))
	return err
}
