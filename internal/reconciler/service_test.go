package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/compstack/billing/internal/audit/domain"
	auditrepo "github.com/compstack/billing/internal/audit/repository"
	auditservice "github.com/compstack/billing/internal/audit/service"
	"github.com/compstack/billing/internal/billing/adapters"
	"github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/billing/repository"
	"github.com/compstack/billing/internal/clock"
	"github.com/compstack/billing/internal/config"
)

const testSignature = "valid"

// fakeAdapter speaks a minimal JSON event format and serves subscriptions
// from an in-memory map, standing in for a provider API.
type fakeAdapter struct {
	subs   map[string]*domain.ProviderSubscription
	subErr error
}

type fakeFactory struct {
	adapter *fakeAdapter
}

func (f *fakeFactory) Provider() string { return "payfast" }

func (f *fakeFactory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	return f.adapter, nil
}

func (a *fakeAdapter) Provider() string { return "payfast" }

func (a *fakeAdapter) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	return "", domain.ErrAdapterNotImplemented
}

func (a *fakeAdapter) CreateCheckoutSession(ctx context.Context, params domain.CheckoutSessionParams) (string, error) {
	return "", domain.ErrAdapterNotImplemented
}

func (a *fakeAdapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*domain.WebhookEnvelope, error) {
	if headers.Get("X-Signature") != testSignature {
		return nil, domain.ErrInvalidSignature
	}
	return a.ParseWebhook(ctx, payload)
}

type fakeEvent struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Kind           domain.EventKind `json:"kind"`
	SubscriptionID string           `json:"subscription_id"`
	CustomerID     string           `json:"customer_id"`
}

func (a *fakeAdapter) ParseWebhook(ctx context.Context, payload []byte) (*domain.WebhookEnvelope, error) {
	var event fakeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if event.ID == "" {
		return nil, domain.ErrInvalidPayload
	}
	kind := event.Kind
	if kind == "" {
		kind = domain.EventIgnored
	}
	return &domain.WebhookEnvelope{
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Kind:            kind,
		SubscriptionID:  event.SubscriptionID,
		CustomerID:      event.CustomerID,
		Raw:             payload,
	}, nil
}

func (a *fakeAdapter) GetSubscription(ctx context.Context, providerSubscriptionID string) (*domain.ProviderSubscription, error) {
	if a.subErr != nil {
		return nil, a.subErr
	}
	sub, ok := a.subs[providerSubscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", providerSubscriptionID)
	}
	return sub, nil
}

type fixture struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	node    *snowflake.Node
	repo    domain.Repository
	adapter *fakeAdapter
	svc     Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.PricingTier{},
		&domain.TierPrice{},
		&domain.BillingCustomer{},
		&domain.UserSubscription{},
		&domain.SubscriptionEvent{},
		&domain.Profile{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	adapter := &fakeAdapter{subs: map[string]*domain.ProviderSubscription{}}

	auditSvc := auditservice.New(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Repo:  auditrepo.New(),
	})
	svc := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fc,
		Cfg:       config.Config{},
		Repo:      repo,
		Registry:  adapters.NewRegistry(&fakeFactory{adapter: adapter}),
		Customers: repository.NewCustomerStore(db, repo, node, fc),
		Audit:     auditSvc,
	})
	return &fixture{db: db, clock: fc, node: node, repo: repo, adapter: adapter, svc: svc}
}

func (f *fixture) seedTier(t *testing.T, key, priceID string) snowflake.ID {
	t.Helper()
	tierID := f.node.Generate()
	require.NoError(t, f.db.Create(&domain.PricingTier{ID: tierID, Key: key, Name: key, IsActive: true}).Error)
	require.NoError(t, f.db.Create(&domain.TierPrice{
		ID:              f.node.Generate(),
		TierID:          tierID,
		BillingProvider: "payfast",
		BillingInterval: domain.IntervalMonthly,
		CurrencyCode:    "ZAR",
		ProviderPriceID: priceID,
		IsActive:        true,
	}).Error)
	return tierID
}

func (f *fixture) seedCustomer(t *testing.T, userID, providerCustomerID string) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.BillingCustomer{
		ID:                 f.node.Generate(),
		UserID:             userID,
		BillingProvider:    "payfast",
		ProviderCustomerID: providerCustomerID,
	}).Error)
	require.NoError(t, f.db.Create(&domain.Profile{
		ID:               f.node.Generate(),
		UserID:           userID,
		SubscriptionTier: domain.FreeTierKey,
	}).Error)
}

func (f *fixture) seedSubscription(t *testing.T, userID string, tierID snowflake.ID, providerSubID string, status domain.SubscriptionStatus) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.UserSubscription{
		ID:                     f.node.Generate(),
		UserID:                 userID,
		TierID:                 tierID,
		BillingProvider:        "payfast",
		ProviderSubscriptionID: providerSubID,
		ProviderCustomerID:     "cus_1",
		Status:                 status,
		BillingInterval:        domain.IntervalMonthly,
		CurrentPeriodStart:     f.clock.Now(),
		CurrentPeriodEnd:       f.clock.Now().AddDate(0, 1, 0),
	}).Error)
}

func (f *fixture) providerSub(id, customerID, priceID, status string) *domain.ProviderSubscription {
	return &domain.ProviderSubscription{
		ID:                 id,
		CustomerID:         customerID,
		Status:             status,
		PriceID:            priceID,
		Interval:           domain.IntervalMonthly,
		CurrentPeriodStart: f.clock.Now(),
		CurrentPeriodEnd:   f.clock.Now().AddDate(0, 1, 0),
	}
}

func eventPayload(t *testing.T, event fakeEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return raw
}

func signedHeaders() http.Header {
	headers := http.Header{}
	headers.Set("X-Signature", testSignature)
	return headers
}

func (f *fixture) profileTier(t *testing.T, userID string) string {
	t.Helper()
	var profile domain.Profile
	require.NoError(t, f.db.Where("user_id = ?", userID).First(&profile).Error)
	return profile.SubscriptionTier
}

func (f *fixture) subscription(t *testing.T, providerSubID string) *domain.UserSubscription {
	t.Helper()
	sub, err := f.repo.FindSubscriptionByProviderID(context.Background(), f.db, providerSubID)
	require.NoError(t, err)
	return sub
}

func TestIngestSubscriptionStarted(t *testing.T) {
	f := newFixture(t)
	tierID := f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.adapter.subs["sub_1"] = f.providerSub("sub_1", "cus_1", "price_pro", "active")

	payload := eventPayload(t, fakeEvent{ID: "evt_1", Type: "subscription.created", Kind: domain.EventSubscriptionStarted, SubscriptionID: "sub_1"})
	res, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	sub := f.subscription(t, "sub_1")
	require.NotNil(t, sub)
	require.Equal(t, domain.StatusActive, sub.Status)
	require.Equal(t, tierID, sub.TierID)
	require.Equal(t, "user-1", sub.UserID)
	require.Equal(t, "pro", f.profileTier(t, "user-1"))

	event, err := f.repo.FindEvent(context.Background(), f.db, "payfast", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, event.ProcessedAt)
	require.Nil(t, event.ProcessingError)
}

func TestIngestDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.adapter.subs["sub_1"] = f.providerSub("sub_1", "cus_1", "price_pro", "active")

	payload := eventPayload(t, fakeEvent{ID: "evt_1", Type: "subscription.created", Kind: domain.EventSubscriptionStarted, SubscriptionID: "sub_1"})
	first, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)
	require.True(t, second.Duplicate)

	var events int64
	require.NoError(t, f.db.Model(&domain.SubscriptionEvent{}).Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestIngestInvalidSignature(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, fakeEvent{ID: "evt_1", Type: "subscription.created", Kind: domain.EventSubscriptionStarted, SubscriptionID: "sub_1"})

	_, err := f.svc.Ingest(context.Background(), "payfast", payload, http.Header{})
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	var events int64
	require.NoError(t, f.db.Model(&domain.SubscriptionEvent{}).Count(&events).Error)
	require.EqualValues(t, 0, events)
}

func TestIngestUnsupportedProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), "bogus", []byte("{}"), signedHeaders())
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)
}

func TestIngestInvoicePaidUnknownSubscription(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, fakeEvent{ID: "evt_2", Type: "invoice.paid", Kind: domain.EventInvoicePaid, SubscriptionID: "sub_missing"})

	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	var syncErr *domain.SyncError
	require.ErrorAs(t, err, &syncErr)

	event, errFind := f.repo.FindEvent(context.Background(), f.db, "payfast", "evt_2")
	require.NoError(t, errFind)
	require.NotNil(t, event)
	require.Nil(t, event.ProcessedAt)
	require.NotNil(t, event.ProcessingError)
	require.Contains(t, *event.ProcessingError, "unknown subscription")
}

func TestIngestInvoicePaidActivatesPeriod(t *testing.T) {
	f := newFixture(t)
	tierID := f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", tierID, "sub_1", domain.StatusPastDue)

	renewed := f.providerSub("sub_1", "cus_1", "price_pro", "active")
	renewed.CurrentPeriodStart = f.clock.Now().AddDate(0, 1, 0)
	renewed.CurrentPeriodEnd = f.clock.Now().AddDate(0, 2, 0)
	f.adapter.subs["sub_1"] = renewed

	payload := eventPayload(t, fakeEvent{ID: "evt_3", Type: "invoice.paid", Kind: domain.EventInvoicePaid, SubscriptionID: "sub_1"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	sub := f.subscription(t, "sub_1")
	require.Equal(t, domain.StatusActive, sub.Status)
	require.Equal(t, renewed.CurrentPeriodEnd.Unix(), sub.CurrentPeriodEnd.Unix())
	require.Equal(t, "pro", f.profileTier(t, "user-1"))
}

func TestIngestPaymentFailedMarksPastDue(t *testing.T) {
	f := newFixture(t)
	tierID := f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", tierID, "sub_1", domain.StatusActive)

	payload := eventPayload(t, fakeEvent{ID: "evt_4", Type: "invoice.payment_failed", Kind: domain.EventInvoicePaymentFailed, SubscriptionID: "sub_1"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	sub := f.subscription(t, "sub_1")
	require.Equal(t, domain.StatusPastDue, sub.Status)
	require.Equal(t, domain.FreeTierKey, f.profileTier(t, "user-1"))
}

func TestIngestDeletedDowngradesToFree(t *testing.T) {
	f := newFixture(t)
	tierID := f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", tierID, "sub_1", domain.StatusActive)
	f.adapter.subs["sub_1"] = f.providerSub("sub_1", "cus_1", "price_pro", "canceled")

	payload := eventPayload(t, fakeEvent{ID: "evt_5", Type: "subscription.deleted", Kind: domain.EventSubscriptionDeleted, SubscriptionID: "sub_1"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	sub := f.subscription(t, "sub_1")
	require.Equal(t, domain.StatusCanceled, sub.Status)
	require.Equal(t, domain.FreeTierKey, f.profileTier(t, "user-1"))
}

func TestIngestDeletedKeepsRemainingTier(t *testing.T) {
	f := newFixture(t)
	proID := f.seedTier(t, "pro", "price_pro")
	plusID := f.seedTier(t, "plus", "price_plus")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", proID, "sub_old", domain.StatusCanceled)
	f.seedSubscription(t, "user-1", plusID, "sub_new", domain.StatusActive)
	f.seedSubscription(t, "user-1", proID, "sub_trial", domain.StatusTrialing)
	f.adapter.subs["sub_trial"] = f.providerSub("sub_trial", "cus_1", "price_pro", "canceled")

	payload := eventPayload(t, fakeEvent{ID: "evt_6", Type: "subscription.deleted", Kind: domain.EventSubscriptionDeleted, SubscriptionID: "sub_trial"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	require.Equal(t, "plus", f.profileTier(t, "user-1"))
}

func TestIngestStartedCancelsOtherActive(t *testing.T) {
	f := newFixture(t)
	tierID := f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", tierID, "sub_old", domain.StatusActive)
	f.adapter.subs["sub_new"] = f.providerSub("sub_new", "cus_1", "price_pro", "active")

	payload := eventPayload(t, fakeEvent{ID: "evt_7", Type: "subscription.created", Kind: domain.EventSubscriptionStarted, SubscriptionID: "sub_new"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	old := f.subscription(t, "sub_old")
	require.Equal(t, domain.StatusCanceled, old.Status)
	replacement := f.subscription(t, "sub_new")
	require.Equal(t, domain.StatusActive, replacement.Status)
}

func TestIngestUpdatedAppliesProviderState(t *testing.T) {
	f := newFixture(t)
	proID := f.seedTier(t, "pro", "price_pro")
	plusID := f.seedTier(t, "plus", "price_plus")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", proID, "sub_1", domain.StatusActive)

	upgraded := f.providerSub("sub_1", "cus_1", "price_plus", "active")
	upgraded.CancelAtPeriodEnd = true
	f.adapter.subs["sub_1"] = upgraded

	payload := eventPayload(t, fakeEvent{ID: "evt_10", Type: "subscription.updated", Kind: domain.EventSubscriptionUpdated, SubscriptionID: "sub_1"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	sub := f.subscription(t, "sub_1")
	require.Equal(t, plusID, sub.TierID)
	require.True(t, sub.CancelAtPeriodEnd)
	require.Equal(t, "plus", f.profileTier(t, "user-1"))
}

func TestIngestUpdatedUnmappedPriceStillApplies(t *testing.T) {
	f := newFixture(t)
	tierID := f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", tierID, "sub_1", domain.StatusActive)

	lapsed := f.providerSub("sub_1", "cus_1", "price_unmapped", "past_due")
	lapsed.CurrentPeriodEnd = f.clock.Now().AddDate(0, 2, 0)
	f.adapter.subs["sub_1"] = lapsed

	payload := eventPayload(t, fakeEvent{ID: "evt_11", Type: "subscription.updated", Kind: domain.EventSubscriptionUpdated, SubscriptionID: "sub_1"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	sub := f.subscription(t, "sub_1")
	require.Equal(t, domain.StatusPastDue, sub.Status)
	require.Equal(t, lapsed.CurrentPeriodEnd.Unix(), sub.CurrentPeriodEnd.Unix())
	require.Equal(t, tierID, sub.TierID)

	event, err := f.repo.FindEvent(context.Background(), f.db, "payfast", "evt_11")
	require.NoError(t, err)
	require.NotNil(t, event.ProcessedAt)
	require.Nil(t, event.ProcessingError)
}

func TestIngestUpdatedUnknownSubscription(t *testing.T) {
	f := newFixture(t)
	f.adapter.subs["sub_ghost"] = f.providerSub("sub_ghost", "cus_1", "price_pro", "active")

	payload := eventPayload(t, fakeEvent{ID: "evt_12", Type: "subscription.updated", Kind: domain.EventSubscriptionUpdated, SubscriptionID: "sub_ghost"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	var syncErr *domain.SyncError
	require.ErrorAs(t, err, &syncErr)

	require.Nil(t, f.subscription(t, "sub_ghost"))
	event, errFind := f.repo.FindEvent(context.Background(), f.db, "payfast", "evt_12")
	require.NoError(t, errFind)
	require.NotNil(t, event.ProcessingError)
	require.Contains(t, *event.ProcessingError, "unknown subscription")
}

func TestIngestIncompleteCheckoutKeepsLiveSubscription(t *testing.T) {
	f := newFixture(t)
	tierID := f.seedTier(t, "pro", "price_pro")
	f.seedCustomer(t, "user-1", "cus_1")
	f.seedSubscription(t, "user-1", tierID, "sub_old", domain.StatusActive)
	f.adapter.subs["sub_new"] = f.providerSub("sub_new", "cus_1", "price_pro", "incomplete")

	payload := eventPayload(t, fakeEvent{ID: "evt_13", Type: "checkout.session.completed", Kind: domain.EventSubscriptionStarted, SubscriptionID: "sub_new"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	old := f.subscription(t, "sub_old")
	require.Equal(t, domain.StatusActive, old.Status)
	replacement := f.subscription(t, "sub_new")
	require.Equal(t, domain.StatusIncomplete, replacement.Status)
	require.Equal(t, "pro", f.profileTier(t, "user-1"))
}

func TestIngestIgnoredEventMarkedProcessed(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, fakeEvent{ID: "evt_8", Type: "charge.succeeded"})

	res, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	event, err := f.repo.FindEvent(context.Background(), f.db, "payfast", "evt_8")
	require.NoError(t, err)
	require.NotNil(t, event.ProcessedAt)
}

func TestIngestUnknownProviderPrice(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer(t, "user-1", "cus_1")
	f.adapter.subs["sub_1"] = f.providerSub("sub_1", "cus_1", "price_unmapped", "active")

	payload := eventPayload(t, fakeEvent{ID: "evt_9", Type: "subscription.created", Kind: domain.EventSubscriptionStarted, SubscriptionID: "sub_1"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	var syncErr *domain.SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Nil(t, f.subscription(t, "sub_1"))
}

func TestReplayAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer(t, "user-1", "cus_1")
	f.adapter.subs["sub_1"] = f.providerSub("sub_1", "cus_1", "price_pro", "active")

	// first delivery fails: the price is not mapped yet
	payload := eventPayload(t, fakeEvent{ID: "evt_10", Type: "subscription.created", Kind: domain.EventSubscriptionStarted, SubscriptionID: "sub_1"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.Error(t, err)

	// operator maps the price, then replays
	f.seedTier(t, "pro", "price_pro")
	res, err := f.svc.Replay(context.Background(), "payfast", "evt_10")
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	sub := f.subscription(t, "sub_1")
	require.NotNil(t, sub)
	require.Equal(t, domain.StatusActive, sub.Status)

	event, err := f.repo.FindEvent(context.Background(), f.db, "payfast", "evt_10")
	require.NoError(t, err)
	require.NotNil(t, event.ProcessedAt)
	require.Nil(t, event.ProcessingError)
}

func TestReplayUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Replay(context.Background(), "payfast", "evt_missing")
	require.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestReplayAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, fakeEvent{ID: "evt_11", Type: "charge.succeeded"})
	_, err := f.svc.Ingest(context.Background(), "payfast", payload, signedHeaders())
	require.NoError(t, err)

	res, err := f.svc.Replay(context.Background(), "payfast", "evt_11")
	require.NoError(t, err)
	require.True(t, res.Duplicate)
}
