package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jask/fintrack/internal/database"
)

// Budget status thresholds, in percent of budget spent.
const (
	atRiskPercent     = 85
	overBudgetPercent = 100
)

// NewBudget is the caller-supplied shape for creating a budget.
type NewBudget struct {
	Name            string
	CategoryID      string
	AmountCents     int64
	Currency        string
	Period          string
	StartDate       time.Time
	EndDate         *time.Time // nil = open-ended
	AlertThresholds []float64
	ScenarioID      *string
}

// BudgetUpdate enumerates every updatable budget field.
type BudgetUpdate struct {
	Name            *string
	CategoryID      *string
	AmountCents     *int64
	Currency        *string
	Period          *string
	StartDate       *time.Time
	EndDate         *time.Time
	ClearEndDate    bool
	IsActive        *bool
	AlertThresholds []float64
	ScenarioID      *string
	ClearScenario   bool
}

// NewBudgetScenario is the caller-supplied shape for creating a scenario.
type NewBudgetScenario struct {
	Name        string
	Description string
}

// NewBudgetAlert is the caller-supplied shape for creating an alert.
type NewBudgetAlert struct {
	BudgetID     string
	AlertType    string
	ThresholdPct *float64
	Message      string
}

const budgetColumns = `id, name, category_id, amount_cents, currency, period, start_date, end_date, is_active, alert_thresholds, scenario_id, created_at, updated_at`

const scenarioColumns = `id, name, description, is_active, created_at, updated_at`

const alertColumns = `id, budget_id, alert_type, threshold_pct, message, is_read, created_at`

// BudgetRepo handles budgets, scenarios, and alerts.
type BudgetRepo struct {
	db *sql.DB
}

func NewBudgetRepo(db *sql.DB) *BudgetRepo { return &BudgetRepo{db: db} }

func scanBudget(row scanner) (Budget, error) {
	var b Budget
	var endDate, scenario sql.NullString
	var active int
	var thresholds, startDate, createdAt, updatedAt string
	if err := row.Scan(&b.ID, &b.Name, &b.CategoryID, &b.AmountCents, &b.Currency, &b.Period,
		&startDate, &endDate, &active, &thresholds, &scenario, &createdAt, &updatedAt); err != nil {
		return Budget{}, err
	}
	var err error
	if b.StartDate, err = parseDate(startDate); err != nil {
		return Budget{}, err
	}
	if endDate.Valid {
		t, err := parseDate(endDate.String)
		if err != nil {
			return Budget{}, err
		}
		b.EndDate = &t
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return Budget{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Budget{}, err
	}
	b.IsActive = active == 1
	b.AlertThresholds = parseThresholds(thresholds)
	if scenario.Valid {
		b.ScenarioID = &scenario.String
	}
	return b, nil
}

func scanScenario(row scanner) (BudgetScenario, error) {
	var s BudgetScenario
	var active int
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &active, &createdAt, &updatedAt); err != nil {
		return BudgetScenario{}, err
	}
	var err error
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return BudgetScenario{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return BudgetScenario{}, err
	}
	s.IsActive = active == 1
	return s, nil
}

func scanAlert(row scanner) (BudgetAlert, error) {
	var a BudgetAlert
	var threshold sql.NullFloat64
	var read int
	var createdAt string
	if err := row.Scan(&a.ID, &a.BudgetID, &a.AlertType, &threshold, &a.Message, &read, &createdAt); err != nil {
		return BudgetAlert{}, err
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return BudgetAlert{}, err
	}
	a.IsRead = read == 1
	if threshold.Valid {
		a.ThresholdPct = &threshold.Float64
	}
	return a, nil
}

// Create persists a budget. Thresholds are stored in ascending order; a
// start date after the end date is rejected.
func (r *BudgetRepo) Create(ctx context.Context, n NewBudget) (Budget, error) {
	if n.EndDate != nil && n.StartDate.After(*n.EndDate) {
		return Budget{}, database.NewError(database.KindOperation, "create budget",
			fmt.Errorf("start date %s after end date %s", formatDate(n.StartDate), formatDate(*n.EndDate)))
	}
	if n.Currency == "" {
		n.Currency = "USD"
	}
	thresholds := append([]float64{}, n.AlertThresholds...)
	if len(thresholds) == 0 {
		thresholds = []float64{50, 75, 90}
	}
	sort.Float64s(thresholds)
	now := database.Now()
	b := Budget{
		ID:              uuid.NewString(),
		Name:            n.Name,
		CategoryID:      n.CategoryID,
		AmountCents:     n.AmountCents,
		Currency:        n.Currency,
		Period:          n.Period,
		StartDate:       n.StartDate,
		EndDate:         n.EndDate,
		IsActive:        true,
		AlertThresholds: thresholds,
		ScenarioID:      n.ScenarioID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO budgets (id, name, category_id, amount_cents, currency, period, start_date, end_date, is_active, alert_thresholds, scenario_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		b.ID, b.Name, b.CategoryID, b.AmountCents, b.Currency, b.Period,
		formatDate(b.StartDate), nullDate(b.EndDate), formatThresholds(thresholds), b.ScenarioID,
		formatTime(now), formatTime(now))
	if err != nil {
		return Budget{}, database.ClassifyExec("create budget", err)
	}
	return b, nil
}

// Get returns the budget, or nil without error when absent.
func (r *BudgetRepo) Get(ctx context.Context, id string) (*Budget, error) {
	return queryOne(ctx, r.db, scanBudget,
		`SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id)
}

// List returns budgets ordered by name. Inactive ones are included only when
// asked for.
func (r *BudgetRepo) List(ctx context.Context, includeInactive bool) ([]Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`
	return queryList(ctx, r.db, scanBudget, query)
}

// Update applies the supplied partial fields and re-reads the row. Returns
// nil, nil when absent.
func (r *BudgetRepo) Update(ctx context.Context, id string, u BudgetUpdate) (*Budget, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	start := existing.StartDate
	if u.StartDate != nil {
		start = *u.StartDate
	}
	end := existing.EndDate
	if u.ClearEndDate {
		end = nil
	} else if u.EndDate != nil {
		end = u.EndDate
	}
	if end != nil && start.After(*end) {
		return nil, database.NewError(database.KindOperation, "update budget",
			fmt.Errorf("start date %s after end date %s", formatDate(start), formatDate(*end)))
	}

	var b updateBuilder
	if u.Name != nil {
		b.set("name", *u.Name)
	}
	if u.CategoryID != nil {
		b.set("category_id", *u.CategoryID)
	}
	if u.AmountCents != nil {
		b.set("amount_cents", *u.AmountCents)
	}
	if u.Currency != nil {
		b.set("currency", *u.Currency)
	}
	if u.Period != nil {
		b.set("period", *u.Period)
	}
	if u.StartDate != nil {
		b.set("start_date", formatDate(*u.StartDate))
	}
	if u.ClearEndDate {
		b.set("end_date", nil)
	} else if u.EndDate != nil {
		b.set("end_date", formatDate(*u.EndDate))
	}
	if u.IsActive != nil {
		b.set("is_active", boolToInt(*u.IsActive))
	}
	if u.AlertThresholds != nil {
		thresholds := append([]float64{}, u.AlertThresholds...)
		sort.Float64s(thresholds)
		b.set("alert_thresholds", formatThresholds(thresholds))
	}
	if u.ClearScenario {
		b.set("scenario_id", nil)
	} else if u.ScenarioID != nil {
		b.set("scenario_id", *u.ScenarioID)
	}
	if !b.empty() {
		if err := b.exec(ctx, r.db, "budgets", id); err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, id)
}

// Delete removes a budget and its alerts in one transaction. Reports whether
// a row was removed.
func (r *BudgetRepo) Delete(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM budget_alerts WHERE budget_id = ?`, id); err != nil {
			return database.ClassifyExec("delete budget alerts", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
		if err != nil {
			return database.ClassifyExec("delete budget", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return database.NewError(database.KindOperation, "delete budget", err)
		}
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Budget progress
// ---------------------------------------------------------------------------

// effectivePeriod resolves the window progress is computed over. An
// open-ended budget (nil end date) uses the current calendar month or year
// depending on its period; otherwise the stored start/end is used. The
// returned end is exclusive.
func effectivePeriod(b Budget, now time.Time) (start, end time.Time) {
	if b.EndDate == nil {
		if b.Period == PeriodYearly {
			start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
			return start, start.AddDate(1, 0, 0)
		}
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
	// stored end date is inclusive
	return b.StartDate, b.EndDate.AddDate(0, 0, 1)
}

// CalculateBudgetProgress derives spend-to-date, remaining amount, status,
// a linear projection, and the recurring/variable split for one budget over
// its effective period. Returns nil, nil when the budget is absent.
func (r *BudgetRepo) CalculateBudgetProgress(ctx context.Context, id string) (*BudgetProgress, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	now := database.Now()
	start, end := effectivePeriod(*b, now)

	var spent int64
	query := `
	SELECT COALESCE(SUM(ABS(amount_cents)), 0)
	FROM transactions
	WHERE tx_type = 'expense' AND category_id = ? AND date >= ? AND date < ?`
	if err := r.db.QueryRowContext(ctx, query, b.CategoryID, formatDate(start), formatDate(end)).Scan(&spent); err != nil {
		return nil, database.NewError(database.KindOperation, "budget spend", err).WithQuery(query)
	}

	percent := 0.0
	if b.AmountCents > 0 {
		percent = float64(spent) / float64(b.AmountCents) * 100
	}
	status := StatusOnTrack
	switch {
	case percent >= overBudgetPercent:
		status = StatusOverBudget
	case percent >= atRiskPercent:
		status = StatusAtRisk
	}

	periodDays := int(end.Sub(start).Hours() / 24)
	elapsed := int(now.Sub(start).Hours()/24) + 1
	if elapsed < 1 {
		elapsed = 1
	}
	if elapsed > periodDays {
		elapsed = periodDays
	}
	remainingDays := periodDays - elapsed
	if remainingDays < 0 {
		remainingDays = 0
	}

	projected := spent
	if elapsed > 0 {
		daily := float64(spent) / float64(elapsed)
		projected = spent + int64(math.Round(daily*float64(remainingDays)))
	}

	recurring, err := r.recurringCostForCategory(ctx, b.CategoryID, periodDays)
	if err != nil {
		return nil, err
	}
	variable := spent - recurring
	if variable < 0 {
		variable = 0
	}

	return &BudgetProgress{
		BudgetID:       b.ID,
		PeriodStart:    start,
		PeriodEnd:      end.AddDate(0, 0, -1),
		BudgetCents:    b.AmountCents,
		SpentCents:     spent,
		RemainingCents: b.AmountCents - spent,
		PercentUsed:    percent,
		Status:         status,
		ProjectedCents: projected,
		RecurringCents: recurring,
		VariableCents:  variable,
		DaysElapsed:    elapsed,
		DaysRemaining:  remainingDays,
	}, nil
}

// recurringCostForCategory allocates the monthly-equivalent cost of active
// subscriptions in a category pro-rata across a period of periodDays days.
func (r *BudgetRepo) recurringCostForCategory(ctx context.Context, categoryID string, periodDays int) (int64, error) {
	subs, err := queryList(ctx, r.db, scanSubscription,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE is_active = 1 AND category_id = ?`, categoryID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range subs {
		monthly := monthlyEquivalentCents(s)
		total += int64(math.Round(float64(monthly) * float64(periodDays) / 30))
	}
	return total, nil
}

// ---------------------------------------------------------------------------
// Historical spending analysis
// ---------------------------------------------------------------------------

// AnalyzeHistoricalSpending buckets a category's expense transactions by
// calendar month over a lookback window ending in the current month, then
// derives summary statistics, a coarse two-half trend, and a confidence
// score weighing data volume against volatility.
func (r *BudgetRepo) AnalyzeHistoricalSpending(ctx context.Context, categoryID string, months int) (SpendingAnalysis, error) {
	if months < 1 {
		months = 1
	}
	now := database.Now()
	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	windowStart := currentMonth.AddDate(0, -(months - 1), 0)

	type bucket struct {
		month string
		cents int64
		count int
	}
	scanBucket := func(row scanner) (bucket, error) {
		var b bucket
		err := row.Scan(&b.month, &b.cents, &b.count)
		return b, err
	}
	rows, err := queryList(ctx, r.db, scanBucket, `
	SELECT strftime('%Y-%m', date), COALESCE(SUM(ABS(amount_cents)), 0), COUNT(*)
	FROM transactions
	WHERE tx_type = 'expense' AND category_id = ? AND date >= ?
	GROUP BY strftime('%Y-%m', date)
	ORDER BY strftime('%Y-%m', date)`, categoryID, formatDate(windowStart))
	if err != nil {
		return SpendingAnalysis{}, err
	}

	byMonth := make(map[string]bucket, len(rows))
	txCount := 0
	for _, b := range rows {
		byMonth[b.month] = b
		txCount += b.count
	}

	// zero-fill the full window so empty months weigh into the statistics
	series := make([]int64, 0, months)
	monthsWithData := 0
	for i := 0; i < months; i++ {
		key := windowStart.AddDate(0, i, 0).Format("2006-01")
		if b, ok := byMonth[key]; ok {
			series = append(series, b.cents)
			monthsWithData++
		} else {
			series = append(series, 0)
		}
	}

	var sum, minV, maxV int64
	minV = math.MaxInt64
	for _, v := range series {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean := float64(sum) / float64(len(series))

	var variance float64
	for _, v := range series {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(series))
	stddev := math.Sqrt(variance)

	// second-half mean minus first-half mean; positive means spending is
	// rising
	half := len(series) / 2
	var trend int64
	if half > 0 {
		var firstSum, secondSum int64
		for _, v := range series[:half] {
			firstSum += v
		}
		second := series[len(series)-half:]
		for _, v := range second {
			secondSum += v
		}
		trend = int64(math.Round(float64(secondSum)/float64(half) - float64(firstSum)/float64(half)))
	}

	volume := 0.5*math.Min(1, float64(monthsWithData)/6) + 0.5*math.Min(1, float64(txCount)/24)
	stability := 1.0
	if mean > 0 {
		cv := stddev / mean
		stability = 1 / (1 + cv)
	}
	confidence := 0.5*volume + 0.5*stability
	if monthsWithData == 0 {
		confidence = 0
	}

	return SpendingAnalysis{
		CategoryID:          categoryID,
		Months:              months,
		MonthsWithData:      monthsWithData,
		TransactionCount:    txCount,
		AverageMonthlyCents: int64(math.Round(mean)),
		MinMonthlyCents:     minV,
		MaxMonthlyCents:     maxV,
		StdDevCents:         stddev,
		TrendCents:          trend,
		Confidence:          confidence,
	}, nil
}

// ---------------------------------------------------------------------------
// Budget scenarios
// ---------------------------------------------------------------------------

// CreateScenario persists a scenario, inactive until activated.
func (r *BudgetRepo) CreateScenario(ctx context.Context, n NewBudgetScenario) (BudgetScenario, error) {
	now := database.Now()
	s := BudgetScenario{
		ID:          uuid.NewString(),
		Name:        n.Name,
		Description: n.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO budget_scenarios (id, name, description, is_active, created_at, updated_at)
	VALUES (?, ?, ?, 0, ?, ?)`,
		s.ID, s.Name, s.Description, formatTime(now), formatTime(now))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return BudgetScenario{}, database.NewError(database.KindConstraint, "create scenario",
				fmt.Errorf("scenario %q already exists", n.Name))
		}
		return BudgetScenario{}, database.ClassifyExec("create scenario", err)
	}
	return s, nil
}

// GetScenario returns the scenario, or nil without error when absent.
func (r *BudgetRepo) GetScenario(ctx context.Context, id string) (*BudgetScenario, error) {
	return queryOne(ctx, r.db, scanScenario,
		`SELECT `+scenarioColumns+` FROM budget_scenarios WHERE id = ?`, id)
}

// ListScenarios returns all scenarios ordered by name.
func (r *BudgetRepo) ListScenarios(ctx context.Context) ([]BudgetScenario, error) {
	return queryList(ctx, r.db, scanScenario,
		`SELECT `+scenarioColumns+` FROM budget_scenarios ORDER BY name`)
}

// BudgetScenarioUpdate enumerates every updatable scenario field.
type BudgetScenarioUpdate struct {
	Name        *string
	Description *string
}

// UpdateScenario applies the supplied partial fields and re-reads the row.
// Returns nil, nil when absent.
func (r *BudgetRepo) UpdateScenario(ctx context.Context, id string, u BudgetScenarioUpdate) (*BudgetScenario, error) {
	existing, err := r.GetScenario(ctx, id)
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
	if u.Description != nil {
		b.set("description", *u.Description)
	}
	if !b.empty() {
		if err := b.exec(ctx, r.db, "budget_scenarios", id); err != nil {
			return nil, err
		}
	}
	return r.GetScenario(ctx, id)
}

// ActivateScenario makes exactly one scenario active. The deactivate-all and
// activate-one steps share a transaction, so no state with zero or multiple
// active scenarios is ever observable. Reports whether the scenario existed.
func (r *BudgetRepo) ActivateScenario(ctx context.Context, id string) (bool, error) {
	var activated bool
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM budget_scenarios WHERE id = ?`, id).Scan(&exists); err != nil {
			return database.NewError(database.KindOperation, "activate scenario", err)
		}
		if exists == 0 {
			return nil
		}
		now := formatTime(database.Now())
		if _, err := tx.ExecContext(ctx, `UPDATE budget_scenarios SET is_active = 0, updated_at = ? WHERE is_active = 1`, now); err != nil {
			return database.ClassifyExec("deactivate scenarios", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE budget_scenarios SET is_active = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return database.ClassifyExec("activate scenario", err)
		}
		activated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return activated, nil
}

// DeleteScenario removes a scenario; budgets pointing at it are detached by
// the schema's ON DELETE SET NULL. Reports whether a row was removed.
func (r *BudgetRepo) DeleteScenario(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM budget_scenarios WHERE id = ?`, id)
	if err != nil {
		return false, database.ClassifyExec("delete scenario", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.NewError(database.KindOperation, "delete scenario", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Budget alerts
// ---------------------------------------------------------------------------

// CreateAlert persists an alert against a budget.
func (r *BudgetRepo) CreateAlert(ctx context.Context, n NewBudgetAlert) (BudgetAlert, error) {
	now := database.Now()
	a := BudgetAlert{
		ID:           uuid.NewString(),
		BudgetID:     n.BudgetID,
		AlertType:    n.AlertType,
		ThresholdPct: n.ThresholdPct,
		Message:      n.Message,
		CreatedAt:    now,
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO budget_alerts (id, budget_id, alert_type, threshold_pct, message, is_read, created_at)
	VALUES (?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.BudgetID, a.AlertType, a.ThresholdPct, a.Message, formatTime(now))
	if err != nil {
		return BudgetAlert{}, database.ClassifyExec("create alert", err)
	}
	return a, nil
}

// ListAlertsByBudget returns a budget's alerts, newest first.
func (r *BudgetRepo) ListAlertsByBudget(ctx context.Context, budgetID string) ([]BudgetAlert, error) {
	return queryList(ctx, r.db, scanAlert,
		`SELECT `+alertColumns+` FROM budget_alerts WHERE budget_id = ? ORDER BY created_at DESC`, budgetID)
}

// MarkAlertRead flags an alert as read, reporting whether a row matched.
func (r *BudgetRepo) MarkAlertRead(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE budget_alerts SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return false, database.ClassifyExec("mark alert read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.NewError(database.KindOperation, "mark alert read", err)
	}
	return n > 0, nil
}

// DeleteAlert removes an alert, reporting whether a row was removed.
func (r *BudgetRepo) DeleteAlert(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM budget_alerts WHERE id = ?`, id)
	if err != nil {
		return false, database.ClassifyExec("delete alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.NewError(database.KindOperation, "delete alert", err)
	}
	return n > 0, nil
}
