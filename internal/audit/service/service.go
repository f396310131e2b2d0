package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/compstack/billing/internal/audit/domain"
	"github.com/compstack/billing/internal/clock"
)

type Params struct {
	fx.In
	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type auditService struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &auditService{
		db:    p.DB,
		log:   p.Log.Named("audit"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *auditService) Record(ctx context.Context, actorID, action, targetType, targetID string, metadata map[string]any) {
	entry := &domain.AuditLog{
		ID:         s.genID.Generate(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		s.log.Warn("audit write failed",
			zap.String("action", action),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}

func (s *auditService) Trail(ctx context.Context, targetType, targetID string, limit int) ([]domain.AuditLog, error) {
	return s.repo.List(ctx, s.db, targetType, targetID, limit)
}
