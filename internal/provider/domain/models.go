// Package domain contains persistence models for provider routing:
// provider capabilities, health, routing rules, regions and the
// append-only routing decision log.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Capability keys as exposed on routing requests.
const (
	CapabilitySubscriptions     = "supports_subscriptions"
	CapabilityOnceOff           = "supports_once_off"
	CapabilityRefunds           = "supports_refunds"
	CapabilityPayouts           = "supports_payouts"
	CapabilitySplitPayments     = "supports_split_payments"
	CapabilityRecurringWebhooks = "supports_recurring_webhooks"
)

// Provider holds per-provider static capabilities. Read-only to the router;
// mutated only by deploys.
type Provider struct {
	ID                        snowflake.ID `gorm:"primaryKey"`
	Key                       string       `gorm:"type:text;not null;uniqueIndex"`
	DisplayName               string       `gorm:"type:text;not null"`
	SupportsSubscriptions     bool         `gorm:"not null;default:false"`
	SupportsOnceOff           bool         `gorm:"not null;default:false"`
	SupportsRefunds           bool         `gorm:"not null;default:false"`
	SupportsPayouts           bool         `gorm:"not null;default:false"`
	SupportsSplitPayments     bool         `gorm:"not null;default:false"`
	SupportsRecurringWebhooks bool         `gorm:"not null;default:false"`
	IsActive                  bool         `gorm:"not null;default:true"`
	IsDefault                 bool         `gorm:"not null;default:false"`
	PriorityWeight            int          `gorm:"not null;default:0"`
	CreatedAt                 time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                 time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Provider) TableName() string { return "billing_providers" }

// HasCapability reports whether the capability flag named by key is set.
// Unknown keys report false.
func (p Provider) HasCapability(key string) bool {
	switch key {
	case CapabilitySubscriptions:
		return p.SupportsSubscriptions
	case CapabilityOnceOff:
		return p.SupportsOnceOff
	case CapabilityRefunds:
		return p.SupportsRefunds
	case CapabilityPayouts:
		return p.SupportsPayouts
	case CapabilitySplitPayments:
		return p.SupportsSplitPayments
	case CapabilityRecurringWebhooks:
		return p.SupportsRecurringWebhooks
	default:
		return false
	}
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ProviderHealth is overwritten by an external health checker, one row per
// provider. A record older than its TTL is treated as unknown, never as down.
type ProviderHealth struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Provider      string       `gorm:"type:text;not null;uniqueIndex"`
	Status        HealthStatus `gorm:"type:text;not null"`
	LastCheckedAt time.Time    `gorm:"not null"`
	TTLSeconds    int          `gorm:"not null;default:60"`
}

func (ProviderHealth) TableName() string { return "provider_health_status" }

// RoutingRule is an ordered override; lower priority wins, first match only.
// Empty filters match any input.
type RoutingRule struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Provider      string       `gorm:"type:text;not null"`
	Priority      int          `gorm:"not null;index"`
	RiskLevel     string       `gorm:"type:text"`
	CountryCodes  []string     `gorm:"type:jsonb;serializer:json"`
	CurrencyCodes []string     `gorm:"type:jsonb;serializer:json"`
	IsActive      bool         `gorm:"not null;default:true"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (RoutingRule) TableName() string { return "billing_provider_rules" }

type Region struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	Code              string       `gorm:"type:text;not null;uniqueIndex"`
	PrimaryProvider   string       `gorm:"type:text;not null"`
	FallbackProviders []string     `gorm:"type:jsonb;serializer:json"`
}

func (Region) TableName() string { return "billing_regions" }

// CountryRegion maps ISO country codes to billing regions. The map is total
// for supported countries: there is no default region.
type CountryRegion struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CountryCode string       `gorm:"type:text;not null;uniqueIndex"`
	RegionCode  string       `gorm:"type:text;not null"`
}

func (CountryRegion) TableName() string { return "country_region_map" }

// Routing reasons recorded on decisions.
const (
	ReasonRiskRuleOverride = "risk_rule_override"
	ReasonRegionPrimary    = "region_primary"
	ReasonRegionFallback   = "region_fallback"
)

// RoutingDecision is the append-only audit row for every routing outcome.
// The idempotency key, when present, is the replay cache key.
type RoutingDecision struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	UserID             string       `gorm:"type:text;index"`
	Country            string       `gorm:"type:text"`
	RegionCode         string       `gorm:"type:text"`
	SelectedProvider   string       `gorm:"type:text;not null"`
	RoutingReason      string       `gorm:"type:text;not null"`
	RuleID             *snowflake.ID

	FallbackUsed       bool         `gorm:"not null;default:false"`
	RequiredCapability string       `gorm:"type:text"`
	IdempotencyKey     *string      `gorm:"type:text;uniqueIndex"`
	Warnings           []string     `gorm:"type:jsonb;serializer:json"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (RoutingDecision) TableName() string { return "billing_routing_log" }

var (
	// ErrCountryRequired rejects region routing without a country; there is
	// no implicit default region.
	ErrCountryRequired = errors.New("country_required")

	ErrRegionNotConfigured = errors.New("region_not_configured")
)

// UnsupportedCountryError names a country absent from the country-region map.
type UnsupportedCountryError struct {
	Country string
}

func (e *UnsupportedCountryError) Error() string {
	return fmt.Sprintf("unsupported billing country %q: not mapped to any billing region", e.Country)
}

// NoProviderAvailableError is the router exhaustion failure; it always names
// the region rather than silently falling back.
type NoProviderAvailableError struct {
	Region string
}

func (e *NoProviderAvailableError) Error() string {
	return fmt.Sprintf("no available billing provider in region %s: all providers are down, inactive, or lack the required capability", e.Region)
}
