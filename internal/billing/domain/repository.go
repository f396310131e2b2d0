package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindTierByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PricingTier, error)
	FindTierPrice(ctx context.Context, db *gorm.DB, tierID snowflake.ID, provider string, interval BillingInterval, currency string) (*TierPrice, error)
	FindTierPriceByProviderPriceID(ctx context.Context, db *gorm.DB, provider, providerPriceID string) (*TierPrice, error)

	FindCustomerID(ctx context.Context, db *gorm.DB, userID, provider string) (string, error)
	InsertCustomer(ctx context.Context, db *gorm.DB, customer *BillingCustomer) error
	FindCustomerByProviderID(ctx context.Context, db *gorm.DB, provider, providerCustomerID string) (*BillingCustomer, error)

	// ClaimEvent inserts the event row if absent; false means another
	// delivery already claimed it.
	ClaimEvent(ctx context.Context, db *gorm.DB, event *SubscriptionEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*SubscriptionEvent, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	SetEventError(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error
	ClearEventError(ctx context.Context, db *gorm.DB, id snowflake.ID) error

	UpsertSubscription(ctx context.Context, db *gorm.DB, sub *UserSubscription) error
	UpdateSubscription(ctx context.Context, db *gorm.DB, sub *UserSubscription) error
	FindSubscriptionByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*UserSubscription, error)
	FindActiveSubscriptionByUser(ctx context.Context, db *gorm.DB, userID string) (*UserSubscription, error)
	CancelOtherActiveSubscriptions(ctx context.Context, db *gorm.DB, userID, keepProviderSubscriptionID string) error
	SetSubscriptionStatus(ctx context.Context, db *gorm.DB, providerSubscriptionID string, status SubscriptionStatus) (int64, error)
	ActivateSubscriptionPeriod(ctx context.Context, db *gorm.DB, providerSubscriptionID string, periodStart, periodEnd time.Time) (int64, error)

	UpdateProfileTier(ctx context.Context, db *gorm.DB, userID, tierKey string) error
}
