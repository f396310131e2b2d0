// Package router selects a billing provider for a checkout request.
// Resolution order is strict: idempotency replay, then risk rules by
// priority, then the region table (primary before fallbacks). Exhaustion
// is an error naming the region, never a silent default.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/compstack/billing/internal/audit/domain"
	"github.com/compstack/billing/internal/billing/adapters"
	"github.com/compstack/billing/internal/clock"
	"github.com/compstack/billing/internal/observability/metrics"
	"github.com/compstack/billing/internal/provider/domain"
)

// Input carries the routing dimensions of a single checkout request.
// Country and currency are normalized to upper case before matching.
type Input struct {
	UserID             string
	Country            string
	Currency           string
	RiskLevel          string
	RequiredCapability string
	IdempotencyKey     string
}

// Decision is the routing outcome handed back to checkout.
type Decision struct {
	DecisionID   int64
	Provider     string
	Reason       string
	RegionCode   string
	RuleID       int64
	FallbackUsed bool
	Warnings     []string
	Cached       bool
}

type Service interface {
	Resolve(ctx context.Context, in Input) (*Decision, error)
}

type Params struct {
	fx.In
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Audit   auditdomain.Service
	Cache   *DecisionCache   `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

type routerService struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	audit   auditdomain.Service
	cache   *DecisionCache
	metrics *metrics.Metrics
}

func New(p Params) Service {
	return &routerService{
		db:      p.DB,
		log:     p.Log.Named("router"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		audit:   p.Audit,
		cache:   p.Cache,
		metrics: p.Metrics,
	}
}

func (s *routerService) Resolve(ctx context.Context, in Input) (*Decision, error) {
	in.Country = strings.ToUpper(strings.TrimSpace(in.Country))
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.RiskLevel = strings.ToLower(strings.TrimSpace(in.RiskLevel))
	if in.RequiredCapability == "" {
		in.RequiredCapability = domain.CapabilitySubscriptions
	}

	if in.IdempotencyKey != "" {
		if d := s.cache.Get(ctx, in.IdempotencyKey); d != nil {
			return d, nil
		}
		prev, err := s.repo.FindDecisionByIdempotencyKey(ctx, s.db, in.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if prev != nil {
			d := decisionFromRow(prev)
			d.Cached = true
			s.cache.Put(ctx, in.IdempotencyKey, d)
			return d, nil
		}
	}

	healthRows, err := s.repo.ListHealth(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	health := make(map[string]domain.ProviderHealth, len(healthRows))
	for _, h := range healthRows {
		health[h.Provider] = h
	}

	var warnings []string

	// Risk rules only participate when the request declares a risk level.
	if in.RiskLevel != "" {
		rules, err := s.repo.ListActiveRules(ctx, s.db)
		if err != nil {
			return nil, fmt.Errorf("list routing rules: %w", err)
		}
		for _, rule := range rules {
			if !ruleMatches(rule, in) {
				continue
			}
			if !s.eligible(ctx, rule.Provider, in.RequiredCapability, health, &warnings) {
				continue
			}
			ruleID := rule.ID
			return s.commit(ctx, in, &domain.RoutingDecision{
				SelectedProvider: rule.Provider,
				RoutingReason:    domain.ReasonRiskRuleOverride,
				RuleID:           &ruleID,
				Warnings:         warnings,
			})
		}
	}

	if in.Country == "" {
		s.countFailure("country_required")
		return nil, domain.ErrCountryRequired
	}

	regionCode, err := s.repo.FindRegionCodeByCountry(ctx, s.db, in.Country)
	if err != nil {
		return nil, fmt.Errorf("country region lookup: %w", err)
	}
	if regionCode == "" {
		s.countFailure("unsupported_country")
		return nil, &domain.UnsupportedCountryError{Country: in.Country}
	}

	region, err := s.repo.FindRegion(ctx, s.db, regionCode)
	if err != nil {
		return nil, fmt.Errorf("region lookup: %w", err)
	}
	if region == nil {
		s.countFailure("region_not_configured")
		return nil, fmt.Errorf("%w: %s", domain.ErrRegionNotConfigured, regionCode)
	}

	if s.eligible(ctx, region.PrimaryProvider, in.RequiredCapability, health, &warnings) {
		return s.commit(ctx, in, &domain.RoutingDecision{
			RegionCode:       regionCode,
			SelectedProvider: region.PrimaryProvider,
			RoutingReason:    domain.ReasonRegionPrimary,
			Warnings:         warnings,
		})
	}
	s.log.Warn("primary provider unavailable, trying fallbacks",
		zap.String("region", regionCode),
		zap.String("provider", region.PrimaryProvider),
	)

	for _, fallback := range region.FallbackProviders {
		if !s.eligible(ctx, fallback, in.RequiredCapability, health, &warnings) {
			continue
		}
		return s.commit(ctx, in, &domain.RoutingDecision{
			RegionCode:       regionCode,
			SelectedProvider: fallback,
			RoutingReason:    domain.ReasonRegionFallback,
			FallbackUsed:     true,
			Warnings:         warnings,
		})
	}

	s.countFailure("region_exhausted")
	return nil, &domain.NoProviderAvailableError{Region: regionCode}
}

// ruleMatches applies a rule's filters. Country and currency filters are
// skipped when the request omits that dimension.
func ruleMatches(rule domain.RoutingRule, in Input) bool {
	if !adapters.Supported(rule.Provider) {
		return false
	}
	if rule.RiskLevel != "" && rule.RiskLevel != in.RiskLevel {
		return false
	}
	if in.Country != "" && len(rule.CountryCodes) > 0 && !containsFold(rule.CountryCodes, in.Country) {
		return false
	}
	if in.Currency != "" && len(rule.CurrencyCodes) > 0 && !containsFold(rule.CurrencyCodes, in.Currency) {
		return false
	}
	return true
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// eligible checks the allowlist, health and capability gates for a
// candidate provider. A stale health row keeps the provider eligible but
// appends a warning; only a fresh "down" excludes it.
func (s *routerService) eligible(ctx context.Context, providerKey, capability string, health map[string]domain.ProviderHealth, warnings *[]string) bool {
	if providerKey == "" {
		return false
	}
	if !adapters.Supported(providerKey) {
		s.log.Warn("configured provider not in allowlist", zap.String("provider", providerKey))
		return false
	}

	if h, ok := health[providerKey]; ok {
		ttl := h.TTLSeconds
		if ttl <= 0 {
			ttl = 60
		}
		age := s.clock.Now().Sub(h.LastCheckedAt)
		if age.Seconds() > float64(ttl) {
			*warnings = append(*warnings, fmt.Sprintf("health data stale for %s (age %ds)", providerKey, int(age.Seconds())))
		} else if h.Status == domain.HealthDown {
			return false
		}
	}

	prov, err := s.repo.FindProvider(ctx, s.db, providerKey)
	if err != nil {
		s.log.Warn("provider lookup failed", zap.String("provider", providerKey), zap.Error(err))
		return false
	}
	if prov == nil || !prov.IsActive {
		return false
	}
	return prov.HasCapability(capability)
}

// commit fills the bookkeeping fields, persists the decision row and
// publishes it to the cache, audit log and metrics.
func (s *routerService) commit(ctx context.Context, in Input, row *domain.RoutingDecision) (*Decision, error) {
	row.ID = s.genID.Generate()
	row.UserID = in.UserID
	row.Country = in.Country
	row.RequiredCapability = in.RequiredCapability
	row.CreatedAt = s.clock.Now()
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		row.IdempotencyKey = &key
	}

	if err := s.repo.InsertDecision(ctx, s.db, row); err != nil {
		return nil, fmt.Errorf("persist routing decision: %w", err)
	}

	d := decisionFromRow(row)
	s.cache.Put(ctx, in.IdempotencyKey, d)
	s.audit.Record(ctx, in.UserID, "billing.route", "routing_decision", row.ID.String(), map[string]any{
		"provider":      row.SelectedProvider,
		"reason":        row.RoutingReason,
		"region":        row.RegionCode,
		"fallback_used": row.FallbackUsed,
	})
	if s.metrics != nil {
		s.metrics.RoutingDecisions.WithLabelValues(row.RoutingReason, row.SelectedProvider).Inc()
	}
	s.log.Info("routing decision",
		zap.String("provider", row.SelectedProvider),
		zap.String("reason", row.RoutingReason),
		zap.String("region", row.RegionCode),
		zap.Bool("fallback_used", row.FallbackUsed),
		zap.Strings("warnings", row.Warnings),
	)
	return d, nil
}

func (s *routerService) countFailure(cause string) {
	if s.metrics != nil {
		s.metrics.RoutingFailures.WithLabelValues(cause).Inc()
	}
}

func decisionFromRow(row *domain.RoutingDecision) *Decision {
	d := &Decision{
		DecisionID:   int64(row.ID),
		Provider:     row.SelectedProvider,
		Reason:       row.RoutingReason,
		RegionCode:   row.RegionCode,
		FallbackUsed: row.FallbackUsed,
		Warnings:     row.Warnings,
	}
	if row.RuleID != nil {
		d.RuleID = int64(*row.RuleID)
	}
	return d
}
