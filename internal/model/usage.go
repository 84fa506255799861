package model

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent is one immutable fact in the usage ledger. A re-up is a
// synthetic negative adjustment event; history is never mutated.
type UsageEvent struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	ModelID          ModelID   `json:"model_id"`
	Provider         Provider  `json:"provider"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	ReasoningTokens  int64     `json:"reasoning_tokens"`
	InputCents       int64     `json:"input_cents"`
	OutputCents      int64     `json:"output_cents"`
	TotalCents       int64     `json:"total_cents"`
	Kind             EventKind `json:"kind"`
	WeekStart        time.Time `json:"week_start"`
	MonthStart       time.Time `json:"month_start"`
	CreatedAt        time.Time `json:"created_at"`
}

// EventKind distinguishes normal usage from re-up adjustments.
type EventKind string

const (
	EventKindUsage EventKind = "usage"
	EventKindReUp  EventKind = "reup"
)

// WeeklyUsage is the running aggregate for one (user, ISO week) pair.
// ReservedCents holds in-flight budget reservations (see ledger.Authorize);
// it is not spend and is excluded from re-up compensation.
type WeeklyUsage struct {
	UserID           uuid.UUID `json:"user_id"`
	WeekStart        time.Time `json:"week_start"`
	TotalCents       int64     `json:"total_cents"`
	ReservedCents    int64     `json:"reserved_cents"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	ReasoningTokens  int64     `json:"reasoning_tokens"`
	Requests         int64     `json:"requests"`
	LastEventAt      time.Time `json:"last_event_at"`
}

// ReUpRecord marks the single allowed re-up inside one tracked billing period.
type ReUpRecord struct {
	UserID    uuid.UUID `json:"user_id"`
	PeriodKey string    `json:"period_key"`
	UsedAt    time.Time `json:"used_at"`
}

// Plan is static reference data joined against the user's subscription.
type Plan struct {
	PriceID           string `json:"price_id"`
	Name              string `json:"name"`
	WeeklyBudgetCents int64  `json:"weekly_budget_cents"`
	Paid              bool   `json:"paid"`
}

// Subscription mirrors the user's active Stripe subscription, kept current
// by billing webhooks.
type Subscription struct {
	UserID               uuid.UUID `json:"user_id"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	PriceID              string    `json:"price_id"`
	Status               string    `json:"status"`
	PeriodStart          time.Time `json:"period_start"`
	PeriodEnd            time.Time `json:"period_end"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// BudgetStatus answers "may this user issue another model request".
type BudgetStatus struct {
	CanSend         bool  `json:"can_send"`
	TotalSpentCents int64 `json:"total_spent_cents"`
	LimitCents      int64 `json:"limit_cents"`
	RemainingCents  int64 `json:"remaining_cents"`
}

// WeekStartUTC returns the Monday 00:00 UTC boundary of t's ISO week.
func WeekStartUTC(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	// time.Weekday puts Sunday at 0; shift so Monday is 0.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// MonthStartUTC returns the first instant of t's calendar month in UTC.
func MonthStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
