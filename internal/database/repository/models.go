package repository

import "time"

// Transaction type values.
const (
	TypeIncome   = "income"
	TypeExpense  = "expense"
	TypeTransfer = "transfer"
)

// Pattern kind values shared by category rules and subscription patterns.
const (
	PatternExact      = "exact"
	PatternContains   = "contains"
	PatternStartsWith = "starts_with"
	PatternRegex      = "regex"
)

// Rule source values.
const (
	SourceUser   = "user"
	SourceSystem = "system"
)

// Billing frequency values.
const (
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyAnnually  = "annually"
	FrequencyCustom    = "custom"
)

// Budget period values.
const (
	PeriodMonthly = "monthly"
	PeriodYearly  = "yearly"
)

// Budget progress status values.
const (
	StatusOnTrack    = "on-track"
	StatusAtRisk     = "at-risk"
	StatusOverBudget = "over-budget"
)

// Transaction represents a transaction row. Amounts are signed cents; the
// sign is informational and not enforced against Type.
type Transaction struct {
	ID             string
	Date           time.Time
	Description    string
	AmountCents    int64
	Type           string
	Currency       string
	CategoryID     *string
	IsSubscription bool
	SubscriptionID *string
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Category represents a category row. Categories are soft-deleted via
// IsActive, never hard-deleted while referenced.
type Category struct {
	ID        string
	Name      string
	Color     string
	Icon      *string
	ParentID  *string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CategoryRule maps a description pattern to a category.
type CategoryRule struct {
	ID          string
	CategoryID  string
	Pattern     string
	PatternType string
	Confidence  float64
	UsageCount  int
	Source      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Subscription represents a recurring payment.
type Subscription struct {
	ID              string
	Name            string
	AmountCents     int64
	Currency        string
	Frequency       string
	CustomDays      *int
	NextPaymentDate time.Time
	CategoryID      *string
	IsActive        bool
	StartDate       time.Time
	EndDate         *time.Time
	UsageRating     *int
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SubscriptionPattern maps a description pattern to a subscription.
type SubscriptionPattern struct {
	ID             string
	SubscriptionID string
	Pattern        string
	PatternType    string
	Confidence     float64
	Source         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Budget caps spending for one category over a period. A nil EndDate means
// the budget is open-ended and progress uses the current calendar period.
type Budget struct {
	ID              string
	Name            string
	CategoryID      string
	AmountCents     int64
	Currency        string
	Period          string
	StartDate       time.Time
	EndDate         *time.Time
	IsActive        bool
	AlertThresholds []float64
	ScenarioID      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BudgetScenario groups budgets; at most one scenario is active at a time.
type BudgetScenario struct {
	ID          string
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BudgetAlert is a notification raised against a budget.
type BudgetAlert struct {
	ID           string
	BudgetID     string
	AlertType    string
	ThresholdPct *float64
	Message      string
	IsRead       bool
	CreatedAt    time.Time
}

// Summary is the financial aggregate over a set of transactions.
// TotalExpenseCents is an absolute value.
type Summary struct {
	TotalIncomeCents  int64
	TotalExpenseCents int64
	NetCents          int64
	TransactionCount  int
}

// BatchResult partitions a CreateMany input into persisted rows and
// duplicates. It never carries an error for individual duplicate rows.
type BatchResult struct {
	Created        []Transaction
	Duplicates     []NewTransaction
	TotalProcessed int
}

// BudgetProgress is the derived state of one budget over its effective
// period.
type BudgetProgress struct {
	BudgetID       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	BudgetCents    int64
	SpentCents     int64
	RemainingCents int64
	PercentUsed    float64
	Status         string
	ProjectedCents int64
	RecurringCents int64
	VariableCents  int64
	DaysElapsed    int
	DaysRemaining  int
}

// SpendingAnalysis summarizes historical spending for one category.
type SpendingAnalysis struct {
	CategoryID          string
	Months              int
	MonthsWithData      int
	TransactionCount    int
	AverageMonthlyCents int64
	MinMonthlyCents     int64
	MaxMonthlyCents     int64
	StdDevCents         float64
	TrendCents          int64
	Confidence          float64
}

// SimilarTransaction pairs a candidate with a persisted near-duplicate.
type SimilarTransaction struct {
	Transaction Transaction
	Similarity  float64
}
