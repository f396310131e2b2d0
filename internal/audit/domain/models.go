package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog records a billing mutation or routing decision for later review.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorID    string            `gorm:"index" json:"actor_id"`
	Action     string            `gorm:"index" json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `gorm:"index" json:"target_id"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, targetType, targetID string, limit int) ([]AuditLog, error)
}

// Service records audit entries. Write failures are logged, never
// propagated, so callers do not fail a billing operation over a missing
// audit row. Reads serve the operator trail and do return errors.
type Service interface {
	Record(ctx context.Context, actorID, action, targetType, targetID string, metadata map[string]any)
	Trail(ctx context.Context, targetType, targetID string, limit int) ([]AuditLog, error)
}
