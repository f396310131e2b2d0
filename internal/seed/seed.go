// Package seed bootstraps the rows the service cannot run without.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	billingdomain "github.com/compstack/billing/internal/billing/domain"
)

// EnsureFreeTier seeds the free pricing tier. The reconciler downgrades
// profiles onto it, so it must exist before the first webhook arrives.
func EnsureFreeTier(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing billingdomain.PricingTier
		err := tx.Where("key = ?", billingdomain.FreeTierKey).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&billingdomain.PricingTier{
			ID:       node.Generate(),
			Key:      billingdomain.FreeTierKey,
			Name:     "Free",
			IsActive: true,
		}).Error
	})
}
