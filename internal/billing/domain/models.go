// Package domain contains persistence models and contracts for subscription
// billing: tiers, prices, customer mappings, subscriptions and the webhook
// event ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus is the service-side status vocabulary. Provider statuses
// are mapped through MapProviderStatus before they reach a row.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// MapProviderStatus maps a provider's subscription status into the fixed
// service vocabulary. Unknown statuses pass through unchanged.
func MapProviderStatus(providerStatus string) SubscriptionStatus {
	switch providerStatus {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete":
		return StatusIncomplete
	default:
		return SubscriptionStatus(providerStatus)
	}
}

type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// FreeTierKey is the profile tier applied when a user has no remaining
// active or trialing subscription.
const FreeTierKey = "free"

type PricingTier struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Key       string       `gorm:"type:text;not null;uniqueIndex"`
	Name      string       `gorm:"type:text;not null"`
	IsActive  bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PricingTier) TableName() string { return "pricing_tiers" }

// TierPrice carries one provider price per (tier, provider, interval,
// currency). The provider price id is the sole provider-to-tier mapping.
type TierPrice struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	TierID          snowflake.ID    `gorm:"not null;index"`
	BillingProvider string          `gorm:"type:text;not null"`
	BillingInterval BillingInterval `gorm:"type:text;not null"`
	CurrencyCode    string          `gorm:"type:text;not null"`
	ProviderPriceID string          `gorm:"type:text;not null;index"`
	IsActive        bool            `gorm:"not null;default:true"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TierPrice) TableName() string { return "tier_prices" }

// BillingCustomer maps a user to a provider-side customer, one row per
// (user, provider), created lazily on first checkout.
type BillingCustomer struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	UserID             string       `gorm:"type:text;not null;index:idx_billing_customers_user_provider,unique"`
	BillingProvider    string       `gorm:"type:text;not null;index:idx_billing_customers_user_provider,unique"`
	ProviderCustomerID string       `gorm:"type:text;not null;index"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingCustomer) TableName() string { return "billing_customers" }

// UserSubscription is keyed by the provider subscription id. Rows are never
// deleted; cancellation is status=canceled. The reconciler enforces at most
// one active/trialing row per user.
type UserSubscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	UserID                 string             `gorm:"type:text;not null;index"`
	TierID                 snowflake.ID       `gorm:"not null"`
	BillingProvider        string             `gorm:"type:text;not null"`
	ProviderSubscriptionID string             `gorm:"type:text;not null;uniqueIndex"`
	ProviderCustomerID     string             `gorm:"type:text;not null"`
	Status                 SubscriptionStatus `gorm:"type:text;not null"`
	BillingInterval        BillingInterval    `gorm:"type:text;not null"`
	CurrentPeriodStart     time.Time          `gorm:"not null"`
	CurrentPeriodEnd       time.Time          `gorm:"not null"`
	CancelAtPeriodEnd      bool               `gorm:"not null;default:false"`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UserSubscription) TableName() string { return "user_subscriptions" }

// SubscriptionEvent is the idempotency ledger. A row existing means the event
// was claimed; processed_at marks success, processing_error marks a failure
// awaiting manual replay.
type SubscriptionEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	ProviderEventID string         `gorm:"type:text;not null;index:idx_subscription_events_provider_event,unique"`
	BillingProvider string         `gorm:"type:text;not null;index:idx_subscription_events_provider_event,unique"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
	ProcessingError *string        `gorm:"type:text"`
}

func (SubscriptionEvent) TableName() string { return "subscription_events" }

// Profile carries the single field the UI reads. subscription_tier is written
// exclusively by the reconciler's profile tier sync.
type Profile struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	UserID           string       `gorm:"type:text;not null;uniqueIndex"`
	SubscriptionTier string       `gorm:"type:text;not null;default:free"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Profile) TableName() string { return "profiles" }
