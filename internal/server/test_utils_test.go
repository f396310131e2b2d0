package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/compstack/billing/internal/audit/domain"
	auditrepo "github.com/compstack/billing/internal/audit/repository"
	auditservice "github.com/compstack/billing/internal/audit/service"
	"github.com/compstack/billing/internal/billing/adapters"
	billingdomain "github.com/compstack/billing/internal/billing/domain"
	billingrepo "github.com/compstack/billing/internal/billing/repository"
	checkoutsvc "github.com/compstack/billing/internal/checkout"
	"github.com/compstack/billing/internal/clock"
	"github.com/compstack/billing/internal/config"
	providerdomain "github.com/compstack/billing/internal/provider/domain"
	providerrepo "github.com/compstack/billing/internal/provider/repository"
	"github.com/compstack/billing/internal/reconciler"
	"github.com/compstack/billing/internal/router"
)

const (
	testJWTSecret = "test-jwt-secret"
	testSignature = "valid"
)

// testAdapter is a provider double for route-level tests: signature check is
// a header compare, events parse from the minimal fake JSON format.
type testAdapter struct {
	subs map[string]*billingdomain.ProviderSubscription
}

type testFactory struct {
	adapter *testAdapter
}

func (f *testFactory) Provider() string { return "payfast" }

func (f *testFactory) NewAdapter(cfg billingdomain.AdapterConfig) (billingdomain.Adapter, error) {
	return f.adapter, nil
}

func (a *testAdapter) Provider() string { return "payfast" }

func (a *testAdapter) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	return "cus_" + userID, nil
}

func (a *testAdapter) CreateCheckoutSession(ctx context.Context, params billingdomain.CheckoutSessionParams) (string, error) {
	return "https://pay.test/session/" + params.ProviderPriceID, nil
}

func (a *testAdapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*billingdomain.WebhookEnvelope, error) {
	if headers.Get("X-Signature") != testSignature {
		return nil, billingdomain.ErrInvalidSignature
	}
	return a.ParseWebhook(ctx, payload)
}

func (a *testAdapter) ParseWebhook(ctx context.Context, payload []byte) (*billingdomain.WebhookEnvelope, error) {
	type event struct {
		ID             string                 `json:"id"`
		Type           string                 `json:"type"`
		Kind           billingdomain.EventKind `json:"kind"`
		SubscriptionID string                 `json:"subscription_id"`
	}
	var e event
	if err := json.Unmarshal(payload, &e); err != nil || e.ID == "" {
		return nil, billingdomain.ErrInvalidPayload
	}
	kind := e.Kind
	if kind == "" {
		kind = billingdomain.EventIgnored
	}
	return &billingdomain.WebhookEnvelope{
		ProviderEventID: e.ID,
		EventType:       e.Type,
		Kind:            kind,
		SubscriptionID:  e.SubscriptionID,
		Raw:             payload,
	}, nil
}

func (a *testAdapter) GetSubscription(ctx context.Context, providerSubscriptionID string) (*billingdomain.ProviderSubscription, error) {
	sub, ok := a.subs[providerSubscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", providerSubscriptionID)
	}
	return sub, nil
}

type serverFixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	adapter *testAdapter
	audit   auditdomain.Service
	srv     *Server
	engine  *gin.Engine
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&providerdomain.Provider{},
		&providerdomain.ProviderHealth{},
		&providerdomain.RoutingRule{},
		&providerdomain.Region{},
		&providerdomain.CountryRegion{},
		&providerdomain.RoutingDecision{},
		&billingdomain.PricingTier{},
		&billingdomain.TierPrice{},
		&billingdomain.BillingCustomer{},
		&billingdomain.UserSubscription{},
		&billingdomain.SubscriptionEvent{},
		&billingdomain.Profile{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		HTTPAddr:      ":0",
		AppURL:        "https://app.test",
		AuthJWTSecret: testJWTSecret,
	}
	pRepo := providerrepo.Provide()
	bRepo := billingrepo.Provide()
	customers := billingrepo.NewCustomerStore(db, bRepo, node, fc)
	adapter := &testAdapter{subs: map[string]*billingdomain.ProviderSubscription{}}
	registry := adapters.NewRegistry(&testFactory{adapter: adapter})

	auditSvc := auditservice.New(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: auditrepo.New(),
	})
	routerSvc := router.New(router.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: pRepo, Audit: auditSvc,
	})
	checkoutSvc := checkoutsvc.New(checkoutsvc.Params{
		DB: db, Log: log, Cfg: cfg,
		Router: routerSvc, Registry: registry, Customers: customers,
		BillingRepo: bRepo, ProviderRepo: pRepo, Audit: auditSvc,
	})
	reconcilerSvc := reconciler.New(reconciler.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Cfg: cfg,
		Repo: bRepo, Registry: registry, Customers: customers, Audit: auditSvc,
	})

	engine := NewEngine(log)
	srv := NewServer(ServerParams{
		Gin: engine, Cfg: cfg, DB: db, Log: log,
		CheckoutSvc: checkoutSvc, ReconcilerSvc: reconcilerSvc, AuditSvc: auditSvc,
	})
	return &serverFixture{db: db, node: node, adapter: adapter, audit: auditSvc, srv: srv, engine: engine}
}

func (f *serverFixture) seedRouting(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.Create(&providerdomain.Provider{
		ID: f.node.Generate(), Key: "payfast", DisplayName: "PayFast",
		SupportsSubscriptions: true, IsActive: true,
	}).Error)
	require.NoError(t, f.db.Create(&providerdomain.Region{
		ID: f.node.Generate(), Code: "za", PrimaryProvider: "payfast",
	}).Error)
	require.NoError(t, f.db.Create(&providerdomain.CountryRegion{
		ID: f.node.Generate(), CountryCode: "ZA", RegionCode: "za",
	}).Error)
}

func (f *serverFixture) seedTier(t *testing.T) snowflake.ID {
	t.Helper()
	tierID := f.node.Generate()
	require.NoError(t, f.db.Create(&billingdomain.PricingTier{
		ID: tierID, Key: "pro", Name: "Pro", IsActive: true,
	}).Error)
	require.NoError(t, f.db.Create(&billingdomain.TierPrice{
		ID:              f.node.Generate(),
		TierID:          tierID,
		BillingProvider: "payfast",
		BillingInterval: billingdomain.IntervalMonthly,
		CurrencyCode:    "ZAR",
		ProviderPriceID: "price_pro_zar",
		IsActive:        true,
	}).Error)
	return tierID
}

func bearerToken(t *testing.T, userID, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}
