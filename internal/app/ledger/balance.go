package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledger/internal/domain"
	"ledger/internal/repository/accounts_repo"
)

type BalanceQueryService interface {
	GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error)
}

type balanceQueryService struct {
	accounts accounts_repo.AccountReader
	logger   *zap.Logger
}

func NewBalanceQueryService(accounts accounts_repo.AccountReader, logger *zap.Logger) BalanceQueryService {
	return &balanceQueryService{accounts: accounts, logger: logger}
}

func (s *balanceQueryService) GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	account, err := s.accounts.FindByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			s.logger.Warn("Account not found for balance query", zap.String("owner_id", ownerID))
			return decimal.Zero, domain.ErrAccountNotFound
		}
		s.logger.Error("Failed to get balance", zap.String("owner_id", ownerID), zap.Error(err))
		return decimal.Zero, fmt.Errorf("failed to get balance for owner %s: %w", ownerID, err)
	}
	return account.Balance, nil
}
