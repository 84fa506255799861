// Package billing integrates Stripe for subscription management and resolves
// each user's plan and weekly budget. If Stripe is not configured (no secret
// key), every user is on the free tier and billing endpoints return 503.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v84"

	"github.com/quorumlabs/quorum/internal/model"
	"github.com/quorumlabs/quorum/internal/storage"
)

// ErrBillingDisabled is returned from Stripe-backed endpoints when no secret
// key is configured.
var ErrBillingDisabled = errors.New("billing: not configured")

// FreePlanName labels the implicit tier for users without a subscription.
const FreePlanName = "Free"

// Service wraps Stripe API calls and resolves plans from the local
// subscriptions table (kept current by webhooks).
type Service struct {
	client        *stripe.Client
	db            *storage.DB
	logger        *slog.Logger
	plansByPrice  map[string]model.Plan
	freePlan      model.Plan
	webhookSecret string
	proPriceID    string
	enabled       bool
}

// Config holds Stripe configuration.
type Config struct {
	SecretKey       string
	WebhookSecret   string
	PriceIDPro      string
	PriceIDMax      string
	FreeWeeklyCents int64
	ProWeeklyCents  int64
	MaxWeeklyCents  int64
}

// New creates a billing service. If cfg.SecretKey is empty, the service
// operates in disabled mode: everyone is on the free tier.
func New(db *storage.DB, cfg Config, logger *slog.Logger) (*Service, error) {
	enabled := cfg.SecretKey != ""
	if enabled {
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("billing: STRIPE_WEBHOOK_SECRET is required when billing is enabled")
		}
		if cfg.PriceIDPro == "" {
			return nil, fmt.Errorf("billing: STRIPE_PRO_PRICE_ID is required when billing is enabled")
		}
	}

	if cfg.FreeWeeklyCents <= 0 {
		cfg.FreeWeeklyCents = 30 // $0.30/week
	}
	if cfg.ProWeeklyCents <= 0 {
		cfg.ProWeeklyCents = 2_000 // $20/week
	}
	if cfg.MaxWeeklyCents <= 0 {
		cfg.MaxWeeklyCents = 10_000 // $100/week
	}

	var client *stripe.Client
	if enabled {
		client = stripe.NewClient(cfg.SecretKey)
	}

	plansByPrice := map[string]model.Plan{}
	if cfg.PriceIDPro != "" {
		plansByPrice[cfg.PriceIDPro] = model.Plan{
			PriceID: cfg.PriceIDPro, Name: "Pro",
			WeeklyBudgetCents: cfg.ProWeeklyCents, Paid: true,
		}
	}
	if cfg.PriceIDMax != "" {
		plansByPrice[cfg.PriceIDMax] = model.Plan{
			PriceID: cfg.PriceIDMax, Name: "Max",
			WeeklyBudgetCents: cfg.MaxWeeklyCents, Paid: true,
		}
	}

	return &Service{
		client:       client,
		db:           db,
		logger:       logger,
		plansByPrice: plansByPrice,
		freePlan: model.Plan{
			Name:              FreePlanName,
			WeeklyBudgetCents: cfg.FreeWeeklyCents,
		},
		webhookSecret: cfg.WebhookSecret,
		proPriceID:    cfg.PriceIDPro,
		enabled:       enabled,
	}, nil
}

// Enabled returns true if Stripe is configured.
func (s *Service) Enabled() bool { return s.enabled }

// ActivePlanFor resolves the user's plan and the canonical tracked-period key
// for re-up eligibility. Paid plans track the subscription's current billing
// period (keyed by its start date) so re-up cannot be gamed by subscribing
// near a calendar-month boundary; the free tier is keyed by calendar month.
func (s *Service) ActivePlanFor(ctx context.Context, userID uuid.UUID) (model.Plan, string, error) {
	monthKey := time.Now().UTC().Format("2006-01")
	if !s.enabled {
		return s.freePlan, monthKey, nil
	}

	sub, err := s.db.GetSubscription(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.freePlan, monthKey, nil
	}
	if err != nil {
		return model.Plan{}, "", fmt.Errorf("billing: get subscription: %w", err)
	}
	if sub.Status != "active" && sub.Status != "trialing" {
		return s.freePlan, monthKey, nil
	}

	plan, ok := s.plansByPrice[sub.PriceID]
	if !ok {
		s.logger.Warn("billing: subscription with unknown price, treating as free",
			"user_id", userID, "price_id", sub.PriceID)
		return s.freePlan, monthKey, nil
	}
	return plan, sub.PeriodStart.UTC().Format("2006-01-02"), nil
}

// CreateCheckoutSession creates a Stripe Checkout session for plan upgrade.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID uuid.UUID, email, successURL, cancelURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	sess, err := s.client.V1CheckoutSessions.Create(ctx, &stripe.CheckoutSessionCreateParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(email),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(s.proPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id": userID.String(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe billing portal session.
func (s *Service) CreatePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	sub, err := s.db.GetSubscription(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("billing: no subscription for portal: %w", err)
	}

	sess, err := s.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("billing: create portal session: %w", err)
	}
	return sess.URL, nil
}
