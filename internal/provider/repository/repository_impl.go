package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/compstack/billing/internal/provider/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindProvider(ctx context.Context, db *gorm.DB, key string) (*domain.Provider, error) {
	var item domain.Provider
	err := db.WithContext(ctx).
		Where("key = ?", strings.ToLower(strings.TrimSpace(key))).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListHealth(ctx context.Context, db *gorm.DB) ([]domain.ProviderHealth, error) {
	var items []domain.ProviderHealth
	if err := db.WithContext(ctx).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListActiveRules(ctx context.Context, db *gorm.DB) ([]domain.RoutingRule, error) {
	var items []domain.RoutingRule
	err := db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindRegionCodeByCountry(ctx context.Context, db *gorm.DB, countryCode string) (string, error) {
	var item domain.CountryRegion
	err := db.WithContext(ctx).
		Where("country_code = ?", strings.ToUpper(strings.TrimSpace(countryCode))).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return item.RegionCode, nil
}

func (r *repo) FindRegion(ctx context.Context, db *gorm.DB, code string) (*domain.Region, error) {
	var item domain.Region
	err := db.WithContext(ctx).Where("code = ?", code).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindDecisionByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.RoutingDecision, error) {
	var item domain.RoutingDecision
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) InsertDecision(ctx context.Context, db *gorm.DB, decision *domain.RoutingDecision) error {
	return db.WithContext(ctx).Create(decision).Error
}
