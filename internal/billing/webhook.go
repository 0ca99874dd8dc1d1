package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/studybuddy/backend/internal/metrics"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/tiers"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails verification
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrWebhookNotConfigured is returned when no signing secret is set
	ErrWebhookNotConfigured = errors.New("billing: webhook secret not configured")
)

// Event types handled by WebhookService
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
)

// metadataUserID is the subscription metadata key carrying our account id
const metadataUserID = "userId"

// WebhookStore is the part of the record store the webhook writes to
type WebhookStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	UpdateSubscription(ctx context.Context, userID string, upd models.SubscriptionUpdate) error
	SetSubscriptionStatus(ctx context.Context, userID, status string) error
	UpsertPayment(ctx context.Context, p *models.Payment) error
}

// Converter marks a referred account as converted
type Converter interface {
	MarkConverted(ctx context.Context, referredUserID string) (*models.Reward, error)
}

// UsageResetter zeroes an account's monthly usage
type UsageResetter interface {
	Reset(ctx context.Context, userID string) error
}

// WebhookService applies Stripe billing events to accounts
type WebhookService struct {
	secret    string
	store     WebhookStore
	prices    *tiers.PriceMap
	converter Converter
	usage     UsageResetter
	log       zerolog.Logger
}

// NewWebhookService creates a webhook service
func NewWebhookService(secret string, s WebhookStore, prices *tiers.PriceMap, converter Converter, usage UsageResetter, log zerolog.Logger) *WebhookService {
	return &WebhookService{
		secret:    strings.TrimSpace(secret),
		store:     s,
		prices:    prices,
		converter: converter,
		usage:     usage,
		log:       log.With().Str("component", "stripe_webhook").Logger(),
	}
}

// subscriptionPayload is the subset of a Stripe subscription object we read
type subscriptionPayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// invoicePayload is the subset of a Stripe invoice object we read
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv invoicePayload) subscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	return inv.Parent.SubscriptionDetails.Subscription
}

// HandleWebhook verifies and applies one webhook delivery. It returns the
// event type. Verification failures return ErrInvalidSignature; other
// errors mean the delivery should be retried.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (string, error) {
	if s.secret == "" {
		return "", ErrWebhookNotConfigured
	}
	if strings.TrimSpace(sigHeader) == "" {
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return "", ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventType := string(event.Type)
	if err := s.handleEvent(ctx, &event); err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, "error").Inc()
		s.log.Error().Err(err).Str("event_id", event.ID).Str("type", eventType).Msg("webhook processing failed")
		return eventType, err
	}
	metrics.WebhookRequestsTotal.WithLabelValues(eventType, "ok").Inc()
	return eventType, nil
}

func (s *WebhookService) handleEvent(ctx context.Context, event *stripe.Event) error {
	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.subscriptionChanged(ctx, sub)

	case EventSubscriptionDeleted:
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.subscriptionDeleted(ctx, sub)

	case EventInvoicePaid, EventInvoiceFailed:
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.invoice(ctx, inv, string(event.Type) == EventInvoiceFailed)

	default:
		s.log.Debug().Str("type", string(event.Type)).Str("event_id", event.ID).Msg("webhook ignored (unhandled type)")
		return nil
	}
}

// resolveUser finds the account by metadata first, then by customer id.
// A nil user with a nil error means the event belongs to nobody we know.
func (s *WebhookService) resolveUser(ctx context.Context, metadata map[string]string, customerID string) (*models.User, error) {
	if id := strings.TrimSpace(metadata[metadataUserID]); id != "" {
		u, err := s.store.GetUser(ctx, id)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if customerID == "" {
		return nil, nil
	}
	u, err := s.store.GetUserByCustomerID(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return u, err
}

// subscriptionChanged runs conversion and the usage reset before the
// account update, so a redelivery after a partial failure still sees the
// previous status and period. A failed conversion writes nothing and is
// tried again on that redelivery.
func (s *WebhookService) subscriptionChanged(ctx context.Context, sub subscriptionPayload) error {
	log := s.log.With().Str("subscription_id", sub.ID).Str("customer_id", sub.Customer).Logger()

	u, err := s.resolveUser(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	if u == nil {
		log.Warn().Msg("subscription for unknown account ignored")
		return nil
	}

	if len(sub.Items.Data) == 0 {
		log.Warn().Str("user_id", u.ID).Msg("subscription without items ignored")
		return nil
	}
	item := sub.Items.Data[0]
	tier, ok := s.prices.TierFromPrice(item.Price.ID)
	if !ok {
		log.Warn().Str("user_id", u.ID).Str("price_id", item.Price.ID).Msg("subscription price not mapped to a tier, ignored")
		return nil
	}

	start := unixTime(item.CurrentPeriodStart)
	end := unixTime(item.CurrentPeriodEnd)
	active := sub.Status == models.StatusActive
	activated := active && u.SubscriptionStatus != models.StatusActive
	// a recovery from past_due inside the same period keeps its usage
	rolledOver := active && !samePeriod(u.BillingPeriodStart, start)
	firstPeriod := activated && u.BillingPeriodStart == nil

	if activated {
		reward, err := s.converter.MarkConverted(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("mark converted: %w", err)
		}
		if reward != nil {
			log.Info().Str("user_id", u.ID).Str("reward_id", reward.ID.String()).Msg("referral converted")
		}
	}
	if rolledOver || firstPeriod {
		if err := s.usage.Reset(ctx, u.ID); err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}
		log.Info().Str("user_id", u.ID).Msg("monthly usage reset")
	}

	upd := models.SubscriptionUpdate{
		Tier:               string(tier),
		Status:             sub.Status,
		StripeCustomerID:   sub.Customer,
		StripePriceID:      item.Price.ID,
		SubscriptionID:     sub.ID,
		BillingPeriodStart: timePtr(start),
		BillingPeriodEnd:   timePtr(end),
	}
	if err := s.store.UpdateSubscription(ctx, u.ID, upd); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	log.Info().Str("user_id", u.ID).Str("tier", string(tier)).Str("status", sub.Status).Msg("subscription updated")
	return nil
}

func (s *WebhookService) subscriptionDeleted(ctx context.Context, sub subscriptionPayload) error {
	u, err := s.resolveUser(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	if u == nil {
		s.log.Warn().Str("subscription_id", sub.ID).Msg("deleted subscription for unknown account ignored")
		return nil
	}

	if err := s.store.UpdateSubscription(ctx, u.ID, models.SubscriptionUpdate{
		Tier:   string(tiers.Default),
		Status: models.StatusCanceled,
	}); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	s.log.Info().Str("user_id", u.ID).Str("subscription_id", sub.ID).Msg("subscription canceled")
	return nil
}

func (s *WebhookService) invoice(ctx context.Context, inv invoicePayload, failed bool) error {
	u, err := s.resolveUser(ctx, nil, inv.Customer)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	p := &models.Payment{
		InvoiceID:      inv.ID,
		CustomerID:     inv.Customer,
		SubscriptionID: inv.subscriptionID(),
		Amount:         inv.AmountPaid,
		Currency:       inv.Currency,
		Status:         models.PaymentSucceeded,
	}
	if failed {
		p.Amount = inv.AmountDue
		p.Status = models.PaymentFailed
	}
	if u != nil {
		p.UserID = u.ID
	}
	if err := s.store.UpsertPayment(ctx, p); err != nil {
		return fmt.Errorf("log payment: %w", err)
	}

	if failed && u != nil {
		if err := s.store.SetSubscriptionStatus(ctx, u.ID, models.StatusPastDue); err != nil {
			return fmt.Errorf("mark past due: %w", err)
		}
		s.log.Warn().Str("user_id", u.ID).Str("invoice_id", inv.ID).Msg("invoice payment failed, account past due")
	}
	return nil
}

func samePeriod(stored *time.Time, start time.Time) bool {
	if stored == nil {
		return start.IsZero()
	}
	return stored.Equal(start)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
