package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/clock"
)

// customerStore adapts the billing repository to the narrow lookup contract
// adapters use for idempotent customer creation.
type customerStore struct {
	db    *gorm.DB
	repo  domain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func NewCustomerStore(db *gorm.DB, repo domain.Repository, genID *snowflake.Node, clk clock.Clock) domain.CustomerStore {
	return &customerStore{db: db, repo: repo, genID: genID, clock: clk}
}

func (s *customerStore) FindCustomerID(ctx context.Context, userID, provider string) (string, error) {
	return s.repo.FindCustomerID(ctx, s.db, userID, provider)
}

func (s *customerStore) InsertCustomer(ctx context.Context, userID, provider, providerCustomerID string) error {
	return s.repo.InsertCustomer(ctx, s.db, &domain.BillingCustomer{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		BillingProvider:    provider,
		ProviderCustomerID: providerCustomerID,
		CreatedAt:          s.clock.Now(),
	})
}
