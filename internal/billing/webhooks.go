package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v84"

	"github.com/quorumlabs/quorum/internal/model"
)

// HandleWebhook processes a Stripe webhook event. Returns the HTTP status
// code to respond with and any error. Verifies the webhook signature, then
// dispatches by event type. Events this service does not track return 200 so
// Stripe stops retrying them.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error) {
	event, err := stripe.ConstructEvent(body, sigHeader, s.webhookSecret)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid webhook signature: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	default:
		return http.StatusOK, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (int, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal checkout session: %w", err)
	}

	userIDStr, ok := sess.Metadata["user_id"]
	if !ok {
		return http.StatusBadRequest, fmt.Errorf("billing: missing user_id in checkout metadata")
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid user_id: %w", err)
	}
	if sess.Customer == nil || sess.Subscription == nil {
		// The subscription webhook will carry the full record.
		s.logger.Info("billing: checkout completed without expanded subscription", "user_id", userID)
		return http.StatusOK, nil
	}

	sub := model.Subscription{
		UserID:               userID,
		StripeCustomerID:     sess.Customer.ID,
		StripeSubscriptionID: sess.Subscription.ID,
		PriceID:              s.proPriceID,
		Status:               "active",
		PeriodStart:          time.Now().UTC(),
		PeriodEnd:            time.Now().UTC().AddDate(0, 1, 0),
	}
	if err := s.db.UpsertSubscription(ctx, sub); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: record checkout subscription: %w", err)
	}

	s.logger.Info("billing: checkout completed",
		"user_id", userID, "customer_id", sess.Customer.ID)
	return http.StatusOK, nil
}

func (s *Service) handleSubscriptionChanged(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}

	userIDStr, ok := sub.Metadata["user_id"]
	if !ok {
		s.logger.Warn("billing: subscription event without user_id metadata", "subscription_id", sub.ID)
		return http.StatusOK, nil // Might belong to a different product.
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid user_id: %w", err)
	}

	priceID := ""
	var periodStart, periodEnd time.Time
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			priceID = item.Price.ID
		}
		periodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		periodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	record := model.Subscription{
		UserID:               userID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: sub.ID,
		PriceID:              priceID,
		Status:               string(sub.Status),
		PeriodStart:          periodStart,
		PeriodEnd:            periodEnd,
	}
	if err := s.db.UpsertSubscription(ctx, record); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: upsert subscription: %w", err)
	}

	s.logger.Info("billing: subscription updated",
		"user_id", userID, "status", sub.Status, "price_id", priceID)
	return http.StatusOK, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}

	if err := s.db.DeleteSubscriptionByStripeID(ctx, sub.ID); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: delete subscription: %w", err)
	}

	s.logger.Info("billing: subscription deleted, user back on free tier", "subscription_id", sub.ID)
	return http.StatusOK, nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, event stripe.Event) (int, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal invoice: %w", err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	s.logger.Warn("billing: payment failed",
		"customer_id", customerID,
		"amount_due", invoice.AmountDue,
		"attempt_count", invoice.AttemptCount,
	)
	return http.StatusOK, nil
}
