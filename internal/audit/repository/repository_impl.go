package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/compstack/billing/internal/audit/domain"
)

type auditRepository struct{}

func New() domain.Repository {
	return &auditRepository{}
}

func (r *auditRepository) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *auditRepository) List(ctx context.Context, db *gorm.DB, targetType, targetID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []domain.AuditLog
	err := db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
