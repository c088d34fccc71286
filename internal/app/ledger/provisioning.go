package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledger/internal/domain"
	"ledger/internal/repository/accounts_repo"
)

// AccountProvisioner creates the single account of a newly registered user.
type AccountProvisioner interface {
	// Provision returns the existing account together with domain.ErrAccountAlreadyExists
	// when ownerID already has one.
	Provision(ctx context.Context, ownerID string, initialBalance decimal.Decimal) (*domain.Account, error)
}

type accountProvisioner struct {
	store  accounts_repo.AccountStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAccountProvisioner(store accounts_repo.AccountStore, logger *zap.Logger) AccountProvisioner {
	return &accountProvisioner{store: store, logger: logger, now: time.Now}
}

func (p *accountProvisioner) Provision(ctx context.Context, ownerID string, initialBalance decimal.Decimal) (*domain.Account, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	if err := domain.ValidateInitialBalance(initialBalance); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	account := &domain.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Balance:   initialBalance.Round(domain.MoneyScale),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := p.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, domain.ErrAccountAlreadyExists) {
			existing, findErr := p.store.FindByOwner(ctx, ownerID)
			if findErr != nil {
				return nil, fmt.Errorf("account for owner %s exists but could not be loaded: %w", ownerID, findErr)
			}
			p.logger.Warn("Account already exists for owner", zap.String("owner_id", ownerID), zap.String("account_id", existing.ID))
			return existing, domain.ErrAccountAlreadyExists
		}
		p.logger.Error("Failed to create account", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, fmt.Errorf("failed to create account for owner %s: %w", ownerID, err)
	}

	p.logger.Info("Account provisioned",
		zap.String("account_id", account.ID),
		zap.String("owner_id", ownerID),
		zap.String("balance", domain.FormatMoney(account.Balance)))
	return account, nil
}
