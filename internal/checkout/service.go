// Package checkout turns a tier selection into a provider-hosted checkout
// session, routing the request to a billing provider first.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/compstack/billing/internal/audit/domain"
	"github.com/compstack/billing/internal/billing/adapters"
	billingdomain "github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/config"
	providerdomain "github.com/compstack/billing/internal/provider/domain"
	"github.com/compstack/billing/internal/router"
)

var (
	ErrUserRequired     = errors.New("user_required")
	ErrTierRequired     = errors.New("tier_required")
	ErrIntervalInvalid  = errors.New("billing_interval_invalid")
	ErrProviderInactive = errors.New("provider_inactive")
)

// Request is one checkout attempt. Country drives routing; currency and
// risk level are optional routing hints.
type Request struct {
	UserID         string
	Email          string
	TierID         string
	Interval       billingdomain.BillingInterval
	Country        string
	Currency       string
	RiskLevel      string
	IdempotencyKey string
}

// Response carries the redirect URL plus the routing trail for the caller.
type Response struct {
	CheckoutURL   string   `json:"checkout_url"`
	Provider      string   `json:"provider"`
	Region        string   `json:"region,omitempty"`
	RoutingReason string   `json:"routing_reason"`
	FallbackUsed  bool     `json:"fallback_used"`
	RoutingRuleID string   `json:"routing_rule_id,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Cached        bool     `json:"cached"`
}

type Service interface {
	CreateSession(ctx context.Context, req Request) (*Response, error)
}

type Params struct {
	fx.In
	DB           *gorm.DB
	Log          *zap.Logger
	Cfg          config.Config
	Router       router.Service
	Registry     *adapters.Registry
	Customers    billingdomain.CustomerStore
	BillingRepo  billingdomain.Repository
	ProviderRepo providerdomain.Repository
	Audit        auditdomain.Service
}

type checkoutService struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          config.Config
	router       router.Service
	registry     *adapters.Registry
	customers    billingdomain.CustomerStore
	billingRepo  billingdomain.Repository
	providerRepo providerdomain.Repository
	audit        auditdomain.Service
}

func New(p Params) Service {
	return &checkoutService{
		db:           p.DB,
		log:          p.Log.Named("checkout"),
		cfg:          p.Cfg,
		router:       p.Router,
		registry:     p.Registry,
		customers:    p.Customers,
		billingRepo:  p.BillingRepo,
		providerRepo: p.ProviderRepo,
		audit:        p.Audit,
	}
}

func (s *checkoutService) CreateSession(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrUserRequired
	}
	if strings.TrimSpace(req.TierID) == "" {
		return nil, ErrTierRequired
	}
	if req.Interval != billingdomain.IntervalMonthly && req.Interval != billingdomain.IntervalYearly {
		return nil, ErrIntervalInvalid
	}

	tierID, err := snowflake.ParseString(strings.TrimSpace(req.TierID))
	if err != nil {
		return nil, billingdomain.ErrTierNotFound
	}
	tier, err := s.billingRepo.FindTierByID(ctx, s.db, tierID)
	if err != nil {
		return nil, fmt.Errorf("find tier: %w", err)
	}
	if tier == nil {
		return nil, billingdomain.ErrTierNotFound
	}

	decision, err := s.router.Resolve(ctx, router.Input{
		UserID:             req.UserID,
		Country:            req.Country,
		Currency:           req.Currency,
		RiskLevel:          req.RiskLevel,
		RequiredCapability: providerdomain.CapabilitySubscriptions,
		IdempotencyKey:     req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	// Replayed decisions skip the router's eligibility gates, so the
	// selected provider is re-checked before any money movement.
	if !adapters.Supported(decision.Provider) {
		return nil, billingdomain.ErrUnsupportedProvider
	}
	prov, err := s.providerRepo.FindProvider(ctx, s.db, decision.Provider)
	if err != nil {
		return nil, fmt.Errorf("find provider: %w", err)
	}
	if prov == nil || !prov.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrProviderInactive, decision.Provider)
	}

	price, err := s.billingRepo.FindTierPrice(ctx, s.db, tier.ID, decision.Provider, req.Interval, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("find tier price: %w", err)
	}
	if price == nil {
		return nil, fmt.Errorf("%w: tier %s has no %s %s price on %s",
			billingdomain.ErrPriceNotFound, tier.Key, req.Interval, req.Currency, decision.Provider)
	}

	adapter, err := s.registry.Load(decision.Provider, adapters.ConfigFor(s.cfg, decision.Provider, s.customers))
	if err != nil {
		return nil, err
	}

	customerID, err := adapter.GetOrCreateCustomer(ctx, req.UserID, req.Email)
	if err != nil {
		return nil, fmt.Errorf("get or create customer: %w", err)
	}

	checkoutURL, err := adapter.CreateCheckoutSession(ctx, billingdomain.CheckoutSessionParams{
		CustomerID:      customerID,
		ProviderPriceID: price.ProviderPriceID,
		UserID:          req.UserID,
		TierID:          tier.ID.String(),
		BillingInterval: req.Interval,
		SuccessURL:      s.cfg.AppURL + "/billing/success",
		CancelURL:       s.cfg.AppURL + "/billing/cancel",
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s.audit.Record(ctx, req.UserID, "billing.checkout", "pricing_tier", tier.ID.String(), map[string]any{
		"provider": decision.Provider,
		"interval": string(req.Interval),
	})
	s.log.Info("checkout session created",
		zap.String("user_id", req.UserID),
		zap.String("tier", tier.Key),
		zap.String("provider", decision.Provider),
	)

	resp := &Response{
		CheckoutURL:   checkoutURL,
		Provider:      decision.Provider,
		Region:        decision.RegionCode,
		RoutingReason: decision.Reason,
		FallbackUsed:  decision.FallbackUsed,
		Warnings:      decision.Warnings,
		Cached:        decision.Cached,
	}
	if decision.RuleID != 0 {
		resp.RoutingRuleID = snowflake.ID(decision.RuleID).String()
	}
	return resp, nil
}
