package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindProvider(ctx context.Context, db *gorm.DB, key string) (*Provider, error)
	ListHealth(ctx context.Context, db *gorm.DB) ([]ProviderHealth, error)
	ListActiveRules(ctx context.Context, db *gorm.DB) ([]RoutingRule, error)
	FindRegionCodeByCountry(ctx context.Context, db *gorm.DB, countryCode string) (string, error)
	FindRegion(ctx context.Context, db *gorm.DB, code string) (*Region, error)
	FindDecisionByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*RoutingDecision, error)
	InsertDecision(ctx context.Context, db *gorm.DB, decision *RoutingDecision) error
}
