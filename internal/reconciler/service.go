// Package reconciler ingests provider webhooks and converges local
// subscription state onto the provider's. Events are claimed into the
// subscription_events ledger exactly once; payloads are never trusted for
// money-relevant state, the subscription is re-fetched from the provider.
package reconciler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/compstack/billing/internal/audit/domain"
	"github.com/compstack/billing/internal/billing/adapters"
	"github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/clock"
	"github.com/compstack/billing/internal/config"
	"github.com/compstack/billing/internal/observability/metrics"
)

// Result describes what happened to one delivery.
type Result struct {
	EventID   snowflake.ID
	EventType string
	Duplicate bool
}

type Service interface {
	// Ingest verifies, claims and processes one webhook delivery.
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*Result, error)
	// Replay reprocesses a previously failed event from its stored payload.
	Replay(ctx context.Context, provider, providerEventID string) (*Result, error)
}

type Params struct {
	fx.In
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Repo      domain.Repository
	Registry  *adapters.Registry
	Customers domain.CustomerStore
	Audit     auditdomain.Service
	Metrics   *metrics.Metrics `optional:"true"`
}

type reconcilerService struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	repo      domain.Repository
	registry  *adapters.Registry
	customers domain.CustomerStore
	audit     auditdomain.Service
	metrics   *metrics.Metrics
}

func New(p Params) Service {
	return &reconcilerService{
		db:        p.DB,
		log:       p.Log.Named("reconciler"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Cfg,
		repo:      p.Repo,
		registry:  p.Registry,
		customers: p.Customers,
		audit:     p.Audit,
		metrics:   p.Metrics,
	}
}

func (s *reconcilerService) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*Result, error) {
	adapter, err := s.registry.Load(provider, adapters.ConfigFor(s.cfg, provider, s.customers))
	if err != nil {
		return nil, err
	}

	envelope, err := adapter.VerifyWebhook(ctx, payload, headers)
	if err != nil {
		s.countEvent("unverified", "rejected")
		return nil, err
	}

	event := &domain.SubscriptionEvent{
		ID:              s.genID.Generate(),
		ProviderEventID: envelope.ProviderEventID,
		BillingProvider: adapter.Provider(),
		EventType:       envelope.EventType,
		Payload:         datatypes.JSON(envelope.Raw),
		ReceivedAt:      s.clock.Now(),
	}
	claimed, err := s.repo.ClaimEvent(ctx, s.db, event)
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		s.countEvent(envelope.EventType, "duplicate")
		s.log.Info("duplicate webhook delivery",
			zap.String("provider", adapter.Provider()),
			zap.String("event_id", envelope.ProviderEventID),
		)
		return &Result{EventType: envelope.EventType, Duplicate: true}, nil
	}

	return s.finish(ctx, adapter, event, envelope)
}

func (s *reconcilerService) Replay(ctx context.Context, provider, providerEventID string) (*Result, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.registry.Load(provider, adapters.ConfigFor(s.cfg, provider, s.customers))
	if err != nil {
		return nil, err
	}

	event, err := s.repo.FindEvent(ctx, s.db, provider, providerEventID)
	if err != nil {
		return nil, fmt.Errorf("find event: %w", err)
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	if event.ProcessedAt != nil && event.ProcessingError == nil {
		return &Result{EventID: event.ID, EventType: event.EventType, Duplicate: true}, nil
	}

	envelope, err := adapter.ParseWebhook(ctx, []byte(event.Payload))
	if err != nil {
		return nil, err
	}
	if err := s.repo.ClearEventError(ctx, s.db, event.ID); err != nil {
		return nil, fmt.Errorf("clear event error: %w", err)
	}

	return s.finish(ctx, adapter, event, envelope)
}

// finish runs the state transition for a claimed event and records the
// outcome on its ledger row.
func (s *reconcilerService) finish(ctx context.Context, adapter domain.Adapter, event *domain.SubscriptionEvent, envelope *domain.WebhookEnvelope) (*Result, error) {
	if err := s.process(ctx, adapter, envelope); err != nil {
		if setErr := s.repo.SetEventError(ctx, s.db, event.ID, err.Error()); setErr != nil {
			s.log.Error("record event error failed", zap.Error(setErr))
		}
		s.countEvent(envelope.EventType, "failed")
		s.log.Error("webhook processing failed",
			zap.String("provider", adapter.Provider()),
			zap.String("event_type", envelope.EventType),
			zap.String("event_id", envelope.ProviderEventID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := s.repo.MarkEventProcessed(ctx, s.db, event.ID, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("mark event processed: %w", err)
	}
	s.countEvent(envelope.EventType, "processed")
	s.audit.Record(ctx, "system", "billing.webhook", "subscription_event", event.ID.String(), map[string]any{
		"provider":   adapter.Provider(),
		"event_type": envelope.EventType,
		"event_id":   envelope.ProviderEventID,
	})
	return &Result{EventID: event.ID, EventType: envelope.EventType}, nil
}

func (s *reconcilerService) process(ctx context.Context, adapter domain.Adapter, envelope *domain.WebhookEnvelope) error {
	switch envelope.Kind {
	case domain.EventSubscriptionStarted:
		// one-off checkouts carry no subscription id
		if envelope.SubscriptionID == "" {
			return nil
		}
		return s.syncSubscription(ctx, adapter, envelope.SubscriptionID)

	case domain.EventSubscriptionUpdated:
		if envelope.SubscriptionID == "" {
			return nil
		}
		return s.applyUpdated(ctx, adapter, envelope.SubscriptionID)

	case domain.EventInvoicePaid:
		if envelope.SubscriptionID == "" {
			return nil
		}
		return s.applyInvoicePaid(ctx, adapter, envelope.SubscriptionID)

	case domain.EventInvoicePaymentFailed:
		if envelope.SubscriptionID == "" {
			return nil
		}
		return s.applyPaymentFailed(ctx, envelope.SubscriptionID)

	case domain.EventSubscriptionDeleted:
		if envelope.SubscriptionID == "" {
			return nil
		}
		return s.applyDeleted(ctx, adapter, envelope.SubscriptionID)

	default:
		return nil
	}
}

// syncSubscription handles creation events: it re-fetches the subscription
// from the provider and upserts the local row from that authoritative copy.
func (s *reconcilerService) syncSubscription(ctx context.Context, adapter domain.Adapter, providerSubscriptionID string) error {
	sub, err := adapter.GetSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return domain.NewSyncError("subscription fetch failed", map[string]any{
			"provider":        adapter.Provider(),
			"subscription_id": providerSubscriptionID,
			"cause":           err.Error(),
		})
	}

	price, err := s.repo.FindTierPriceByProviderPriceID(ctx, s.db, adapter.Provider(), sub.PriceID)
	if err != nil {
		return err
	}
	if price == nil {
		return domain.NewSyncError("no tier mapped to provider price", map[string]any{
			"provider": adapter.Provider(),
			"price_id": sub.PriceID,
		})
	}

	customer, err := s.repo.FindCustomerByProviderID(ctx, s.db, adapter.Provider(), sub.CustomerID)
	if err != nil {
		return err
	}
	if customer == nil {
		return domain.NewSyncError("no user mapped to provider customer", map[string]any{
			"provider":    adapter.Provider(),
			"customer_id": sub.CustomerID,
		})
	}

	status := domain.MapProviderStatus(sub.Status)
	now := s.clock.Now()
	if err := s.repo.UpsertSubscription(ctx, s.db, &domain.UserSubscription{
		ID:                     s.genID.Generate(),
		UserID:                 customer.UserID,
		TierID:                 price.TierID,
		BillingProvider:        adapter.Provider(),
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.CustomerID,
		Status:                 status,
		BillingInterval:        sub.Interval,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	// an incomplete checkout must not displace a subscription that is
	// still billing; other rows go only once this one is live
	if status == domain.StatusActive || status == domain.StatusTrialing {
		if err := s.repo.CancelOtherActiveSubscriptions(ctx, s.db, customer.UserID, sub.ID); err != nil {
			return fmt.Errorf("cancel other subscriptions: %w", err)
		}
	}
	s.syncProfileTier(ctx, customer.UserID)
	return nil
}

// applyUpdated refreshes an existing row from the provider's copy. Status,
// period bounds, interval, and the cancel flag always apply; pointing the
// row at a new tier is best effort, an unmapped price keeps the current one.
func (s *reconcilerService) applyUpdated(ctx context.Context, adapter domain.Adapter, providerSubscriptionID string) error {
	existing, err := s.repo.FindSubscriptionByProviderID(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.NewSyncError("update for unknown subscription", map[string]any{
			"provider":        adapter.Provider(),
			"subscription_id": providerSubscriptionID,
		})
	}

	sub, err := adapter.GetSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return domain.NewSyncError("subscription fetch failed", map[string]any{
			"provider":        adapter.Provider(),
			"subscription_id": providerSubscriptionID,
			"cause":           err.Error(),
		})
	}

	if price, err := s.repo.FindTierPriceByProviderPriceID(ctx, s.db, adapter.Provider(), sub.PriceID); err != nil {
		s.log.Warn("subscription update: tier lookup failed",
			zap.String("subscription_id", providerSubscriptionID), zap.Error(err))
	} else if price == nil {
		s.log.Warn("subscription update: no tier mapped to provider price",
			zap.String("subscription_id", providerSubscriptionID),
			zap.String("price_id", sub.PriceID))
	} else {
		existing.TierID = price.TierID
	}

	status := domain.MapProviderStatus(sub.Status)
	existing.Status = status
	existing.BillingInterval = sub.Interval
	existing.CurrentPeriodStart = sub.CurrentPeriodStart
	existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
	existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	existing.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateSubscription(ctx, s.db, existing); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	if status == domain.StatusActive || status == domain.StatusTrialing {
		if err := s.repo.CancelOtherActiveSubscriptions(ctx, s.db, existing.UserID, providerSubscriptionID); err != nil {
			return fmt.Errorf("cancel other subscriptions: %w", err)
		}
	}
	s.syncProfileTier(ctx, existing.UserID)
	return nil
}

func (s *reconcilerService) applyInvoicePaid(ctx context.Context, adapter domain.Adapter, providerSubscriptionID string) error {
	existing, err := s.repo.FindSubscriptionByProviderID(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.NewSyncError("invoice paid for unknown subscription", map[string]any{
			"subscription_id": providerSubscriptionID,
		})
	}

	sub, err := adapter.GetSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return domain.NewSyncError("subscription fetch failed", map[string]any{
			"subscription_id": providerSubscriptionID,
			"cause":           err.Error(),
		})
	}

	if _, err := s.repo.ActivateSubscriptionPeriod(ctx, s.db, providerSubscriptionID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
		return fmt.Errorf("activate subscription period: %w", err)
	}
	if err := s.repo.CancelOtherActiveSubscriptions(ctx, s.db, existing.UserID, providerSubscriptionID); err != nil {
		return fmt.Errorf("cancel other subscriptions: %w", err)
	}
	s.syncProfileTier(ctx, existing.UserID)
	return nil
}

func (s *reconcilerService) applyPaymentFailed(ctx context.Context, providerSubscriptionID string) error {
	existing, err := s.repo.FindSubscriptionByProviderID(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.NewSyncError("payment failed for unknown subscription", map[string]any{
			"subscription_id": providerSubscriptionID,
		})
	}

	if _, err := s.repo.SetSubscriptionStatus(ctx, s.db, providerSubscriptionID, domain.StatusPastDue); err != nil {
		return fmt.Errorf("set subscription past_due: %w", err)
	}
	s.syncProfileTier(ctx, existing.UserID)
	return nil
}

func (s *reconcilerService) applyDeleted(ctx context.Context, adapter domain.Adapter, providerSubscriptionID string) error {
	existing, err := s.repo.FindSubscriptionByProviderID(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		// never saw this subscription; nothing to converge
		return nil
	}

	// confirm with the provider before closing the row; a fetch failure here
	// is retryable through redelivery or manual replay
	sub, err := adapter.GetSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return domain.NewSyncError("subscription fetch failed", map[string]any{
			"provider":        adapter.Provider(),
			"subscription_id": providerSubscriptionID,
			"cause":           err.Error(),
		})
	}
	if st := domain.MapProviderStatus(sub.Status); st != domain.StatusCanceled {
		s.log.Warn("provider still reports subscription live after deletion event",
			zap.String("subscription_id", providerSubscriptionID),
			zap.String("provider_status", sub.Status))
	}

	if _, err := s.repo.SetSubscriptionStatus(ctx, s.db, providerSubscriptionID, domain.StatusCanceled); err != nil {
		return fmt.Errorf("set subscription canceled: %w", err)
	}
	s.syncProfileTier(ctx, existing.UserID)
	return nil
}

// syncProfileTier sets the profile tier from the user's remaining active or
// trialing subscription, falling back to the free tier. Failures are logged
// and swallowed; the subscription row is already correct and the next event
// converges the profile again.
func (s *reconcilerService) syncProfileTier(ctx context.Context, userID string) {
	tierKey := domain.FreeTierKey

	active, err := s.repo.FindActiveSubscriptionByUser(ctx, s.db, userID)
	if err != nil {
		s.log.Warn("profile tier sync: active subscription lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if active != nil {
		tier, err := s.repo.FindTierByID(ctx, s.db, active.TierID)
		if err != nil {
			s.log.Warn("profile tier sync: tier lookup failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		if tier != nil {
			tierKey = tier.Key
		}
	}

	if err := s.repo.UpdateProfileTier(ctx, s.db, userID, tierKey); err != nil {
		s.log.Warn("profile tier sync failed",
			zap.String("user_id", userID),
			zap.String("tier", tierKey),
			zap.Error(err),
		)
	}
}

func (s *reconcilerService) countEvent(eventType, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}
