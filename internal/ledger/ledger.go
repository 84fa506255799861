// Package ledger is the usage accounting and budget engine.
//
// It answers "can this user issue another model request right now" and
// durably records the cost of every request. All spend is integer cents;
// the ledger itself is append-only, and corrections (re-up) are compensating
// negative events, never mutations of history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/quorumlabs/quorum/internal/model"
	"github.com/quorumlabs/quorum/internal/storage"
	"github.com/quorumlabs/quorum/internal/telemetry"
)

// Sentinel errors surfaced to admission checks and the API layer.
var (
	ErrBudgetExceeded  = errors.New("ledger: weekly budget exceeded")
	ErrReUpNotEligible = errors.New("ledger: re-up not available")
)

// Store is the persistence surface the ledger needs. *storage.DB implements it.
type Store interface {
	InsertUsageEvent(ctx context.Context, event model.UsageEvent) error
	GetWeeklyUsage(ctx context.Context, userID uuid.UUID, weekStart time.Time) (model.WeeklyUsage, error)
	AuthorizeBudget(ctx context.Context, userID uuid.UUID, weekStart time.Time, estimateCents, limitCents int64) error
	ReleaseReservation(ctx context.Context, userID uuid.UUID, weekStart time.Time, cents int64) error
	ReUp(ctx context.Context, userID uuid.UUID, periodKey string, weekStart time.Time, buildEvent func(totalCents int64) model.UsageEvent) (int64, error)
}

// PlanResolver resolves a user's active plan and the canonical tracked-period
// key used for re-up eligibility. Implemented by billing.Service.
type PlanResolver interface {
	ActivePlanFor(ctx context.Context, userID uuid.UUID) (model.Plan, string, error)
}

// Config holds ledger tunables.
type Config struct {
	// ReserveCents is the flat per-run budget reservation taken by
	// Authorize and returned by Release when the run finishes.
	ReserveCents int64
}

// Ledger records usage events and gates requests against the weekly budget.
type Ledger struct {
	store   Store
	plans   PlanResolver
	reserve int64
	logger  *slog.Logger
	now     func() time.Time

	eventsRecorded metric.Int64Counter
	centsRecorded  metric.Int64Counter
}

// New creates a Ledger.
func New(store Store, plans PlanResolver, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.ReserveCents <= 0 {
		cfg.ReserveCents = 10
	}
	meter := telemetry.Meter("quorum/ledger")
	events, _ := meter.Int64Counter("quorum.ledger.events",
		metric.WithDescription("Usage events recorded"))
	cents, _ := meter.Int64Counter("quorum.ledger.cents",
		metric.WithDescription("Total cents recorded"))
	return &Ledger{
		store:          store,
		plans:          plans,
		reserve:        cfg.ReserveCents,
		logger:         logger,
		now:            time.Now,
		eventsRecorded: events,
		centsRecorded:  cents,
	}
}

// ComputeCost prices a request against the per-model table. Reasoning tokens
// bill at the output rate, combined with completion tokens. Input cost rounds
// to the nearest cent; output cost rounds up, so the platform never
// under-charges for generation.
func ComputeCost(modelID model.ModelID, promptTokens, completionTokens, reasoningTokens int64) (inputCents, outputCents int64, err error) {
	info, ok := model.Lookup(modelID)
	if !ok {
		return 0, 0, fmt.Errorf("ledger: unknown model %q", modelID)
	}
	if promptTokens < 0 || completionTokens < 0 || reasoningTokens < 0 {
		return 0, 0, fmt.Errorf("ledger: negative token counts")
	}

	const perM = 1_000_000
	inputCents = (promptTokens*info.Pricing.InputCentsPerM + perM/2) / perM
	outTokens := completionTokens + reasoningTokens
	outputCents = (outTokens*info.Pricing.OutputCentsPerM + perM - 1) / perM
	return inputCents, outputCents, nil
}

// Usage is the token usage reported by one model invocation.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// RecordEvent appends an immutable usage event and updates the weekly
// aggregate atomically. It does not touch the run's reservation; that is
// returned by Release once the whole run finishes.
func (l *Ledger) RecordEvent(ctx context.Context, userID uuid.UUID, modelID model.ModelID, usage Usage) (model.UsageEvent, error) {
	info, ok := model.Lookup(modelID)
	if !ok {
		return model.UsageEvent{}, fmt.Errorf("ledger: unknown model %q", modelID)
	}
	inputCents, outputCents, err := ComputeCost(modelID, usage.PromptTokens, usage.CompletionTokens, usage.ReasoningTokens)
	if err != nil {
		return model.UsageEvent{}, err
	}

	now := l.now().UTC()
	event := model.UsageEvent{
		ID:               uuid.New(),
		UserID:           userID,
		ModelID:          modelID,
		Provider:         info.Provider,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ReasoningTokens:  usage.ReasoningTokens,
		InputCents:       inputCents,
		OutputCents:      outputCents,
		TotalCents:       inputCents + outputCents,
		Kind:             model.EventKindUsage,
		WeekStart:        model.WeekStartUTC(now),
		MonthStart:       model.MonthStartUTC(now),
		CreatedAt:        now,
	}
	if err := l.store.InsertUsageEvent(ctx, event); err != nil {
		return model.UsageEvent{}, err
	}

	l.eventsRecorded.Add(ctx, 1)
	l.centsRecorded.Add(ctx, event.TotalCents)
	return event, nil
}

// BudgetStatus reports current-week spend against the plan's weekly limit.
// canSend is true iff spent < limit: a user exactly at the limit cannot send.
func (l *Ledger) BudgetStatus(ctx context.Context, userID uuid.UUID) (model.BudgetStatus, error) {
	plan, _, err := l.plans.ActivePlanFor(ctx, userID)
	if err != nil {
		return model.BudgetStatus{}, fmt.Errorf("ledger: resolve plan: %w", err)
	}
	weekly, err := l.store.GetWeeklyUsage(ctx, userID, model.WeekStartUTC(l.now()))
	if err != nil {
		return model.BudgetStatus{}, err
	}

	remaining := plan.WeeklyBudgetCents - weekly.TotalCents
	if remaining < 0 {
		remaining = 0
	}
	return model.BudgetStatus{
		CanSend:         weekly.TotalCents < plan.WeeklyBudgetCents,
		TotalSpentCents: weekly.TotalCents,
		LimitCents:      plan.WeeklyBudgetCents,
		RemainingCents:  remaining,
	}, nil
}

// Authorize is the serialized budget check-and-reserve taken before any model
// work starts. It fails with ErrBudgetExceeded when the reservation does not
// fit under the weekly limit. Every successful Authorize must be paired with
// exactly one Release when the run finishes, whether or not any usage event
// was recorded in between.
func (l *Ledger) Authorize(ctx context.Context, userID uuid.UUID) error {
	plan, _, err := l.plans.ActivePlanFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("ledger: resolve plan: %w", err)
	}
	err = l.store.AuthorizeBudget(ctx, userID, model.WeekStartUTC(l.now()), l.reserve, plan.WeeklyBudgetCents)
	if errors.Is(err, storage.ErrBudgetExceeded) {
		return fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
	}
	return err
}

// Release returns one run's reservation. Called exactly once per successful
// Authorize, after the run's spend has been recorded (or the run failed
// without recording any).
func (l *Ledger) Release(ctx context.Context, userID uuid.UUID) error {
	return l.store.ReleaseReservation(ctx, userID, model.WeekStartUTC(l.now()), l.reserve)
}

// ReUp resets the current week's spend to zero for paid plans, at most once
// per tracked billing period. The reset is a compensating negative ledger
// event; a week with zero spend still consumes the re-up but reports
// NothingToReset.
func (l *Ledger) ReUp(ctx context.Context, userID uuid.UUID) (model.ReUpResponse, error) {
	plan, periodKey, err := l.plans.ActivePlanFor(ctx, userID)
	if err != nil {
		return model.ReUpResponse{}, fmt.Errorf("ledger: resolve plan: %w", err)
	}
	if !plan.Paid {
		return model.ReUpResponse{}, fmt.Errorf("%w: free plan", ErrReUpNotEligible)
	}

	now := l.now().UTC()
	weekStart := model.WeekStartUTC(now)
	amount, err := l.store.ReUp(ctx, userID, periodKey, weekStart, func(totalCents int64) model.UsageEvent {
		return model.UsageEvent{
			ID:         uuid.New(),
			UserID:     userID,
			ModelID:    model.AdjustmentModelID,
			Provider:   model.AdjustmentProvider,
			TotalCents: -totalCents,
			Kind:       model.EventKindReUp,
			WeekStart:  weekStart,
			MonthStart: model.MonthStartUTC(now),
			CreatedAt:  now,
		}
	})
	if errors.Is(err, storage.ErrReUpAlreadyUsed) {
		return model.ReUpResponse{}, fmt.Errorf("%w: already used in period %s", ErrReUpNotEligible, periodKey)
	}
	if err != nil {
		return model.ReUpResponse{}, err
	}

	l.logger.Info("ledger: re-up applied",
		"user_id", userID, "period_key", periodKey, "amount_cents", amount)
	return model.ReUpResponse{
		Applied:        true,
		NothingToReset: amount == 0,
		PeriodKey:      periodKey,
		AmountCents:    amount,
	}, nil
}
