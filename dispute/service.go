package dispute

import (
	"context"

	"escrowflow/ledger"
)

// Lister is implemented by Repository and by in-process stores.
type Lister interface {
	List(ctx context.Context, party ledger.Address, transactionID string) ([]Summary, error)
}

type Service struct {
	repo Lister
}

func NewService(repo Lister) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, party ledger.Address, transactionID string) ([]Summary, error) {
	return s.repo.List(ctx, party, transactionID)
}
