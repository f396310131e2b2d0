package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/compstack/billing/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindTierByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PricingTier, error) {
	var item domain.PricingTier
	err := db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindTierPrice(ctx context.Context, db *gorm.DB, tierID snowflake.ID, provider string, interval domain.BillingInterval, currency string) (*domain.TierPrice, error) {
	query := db.WithContext(ctx).
		Where("tier_id = ? AND billing_provider = ? AND billing_interval = ? AND is_active = ?",
			tierID, provider, interval, true)
	if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
		query = query.Where("currency_code = ?", currency)
	}

	var item domain.TierPrice
	err := query.First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindTierPriceByProviderPriceID(ctx context.Context, db *gorm.DB, provider, providerPriceID string) (*domain.TierPrice, error) {
	var item domain.TierPrice
	err := db.WithContext(ctx).
		Where("billing_provider = ? AND provider_price_id = ? AND is_active = ?", provider, providerPriceID, true).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindCustomerID(ctx context.Context, db *gorm.DB, userID, provider string) (string, error) {
	var item domain.BillingCustomer
	err := db.WithContext(ctx).
		Where("user_id = ? AND billing_provider = ?", userID, provider).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return item.ProviderCustomerID, nil
}

func (r *repo) InsertCustomer(ctx context.Context, db *gorm.DB, customer *domain.BillingCustomer) error {
	return db.WithContext(ctx).Create(customer).Error
}

func (r *repo) FindCustomerByProviderID(ctx context.Context, db *gorm.DB, provider, providerCustomerID string) (*domain.BillingCustomer, error) {
	var item domain.BillingCustomer
	err := db.WithContext(ctx).
		Where("billing_provider = ? AND provider_customer_id = ?", provider, providerCustomerID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ClaimEvent(ctx context.Context, db *gorm.DB, event *domain.SubscriptionEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO subscription_events (
			id, provider_event_id, billing_provider, event_type,
			payload, received_at, processed_at, processing_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_event_id, billing_provider) DO NOTHING`,
		event.ID,
		event.ProviderEventID,
		event.BillingProvider,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
		event.ProcessingError,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.SubscriptionEvent, error) {
	var item domain.SubscriptionEvent
	err := db.WithContext(ctx).
		Where("billing_provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_events SET processed_at = ? WHERE id = ?`,
		processedAt, id,
	).Error
}

func (r *repo) SetEventError(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_events SET processing_error = ? WHERE id = ?`,
		message, id,
	).Error
}

func (r *repo) ClearEventError(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_events SET processing_error = NULL WHERE id = ?`,
		id,
	).Error
}

func (r *repo) UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.UserSubscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_subscriptions (
			id, user_id, tier_id, billing_provider, provider_subscription_id,
			provider_customer_id, status, billing_interval,
			current_period_start, current_period_end, cancel_at_period_end,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			user_id = excluded.user_id,
			tier_id = excluded.tier_id,
			provider_customer_id = excluded.provider_customer_id,
			status = excluded.status,
			billing_interval = excluded.billing_interval,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			updated_at = excluded.updated_at`,
		sub.ID,
		sub.UserID,
		sub.TierID,
		sub.BillingProvider,
		sub.ProviderSubscriptionID,
		sub.ProviderCustomerID,
		sub.Status,
		sub.BillingInterval,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateSubscription(ctx context.Context, db *gorm.DB, sub *domain.UserSubscription) error {
	return db.WithContext(ctx).Save(sub).Error
}

func (r *repo) FindSubscriptionByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*domain.UserSubscription, error) {
	var item domain.UserSubscription
	err := db.WithContext(ctx).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindActiveSubscriptionByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.UserSubscription, error) {
	var item domain.UserSubscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []domain.SubscriptionStatus{domain.StatusActive, domain.StatusTrialing}).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) CancelOtherActiveSubscriptions(ctx context.Context, db *gorm.DB, userID, keepProviderSubscriptionID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET status = ?, updated_at = ?
		 WHERE user_id = ? AND status IN (?, ?) AND provider_subscription_id != ?`,
		domain.StatusCanceled,
		time.Now().UTC(),
		userID,
		domain.StatusActive,
		domain.StatusTrialing,
		keepProviderSubscriptionID,
	).Error
}

func (r *repo) SetSubscriptionStatus(ctx context.Context, db *gorm.DB, providerSubscriptionID string, status domain.SubscriptionStatus) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions SET status = ?, updated_at = ? WHERE provider_subscription_id = ?`,
		status, time.Now().UTC(), providerSubscriptionID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ActivateSubscriptionPeriod(ctx context.Context, db *gorm.DB, providerSubscriptionID string, periodStart, periodEnd time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET status = ?, current_period_start = ?, current_period_end = ?, updated_at = ?
		 WHERE provider_subscription_id = ?`,
		domain.StatusActive, periodStart, periodEnd, time.Now().UTC(), providerSubscriptionID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) UpdateProfileTier(ctx context.Context, db *gorm.DB, userID, tierKey string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE profiles SET subscription_tier = ?, updated_at = ? WHERE user_id = ?`,
		tierKey, time.Now().UTC(), userID,
	).Error
}
