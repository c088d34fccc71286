package accounts_repo

import (
	"context"

	"github.com/shopspring/decimal"

	"ledger/internal/domain"
)

type AccountReader interface {
	FindByOwner(ctx context.Context, ownerID string) (*domain.Account, error)
}

// AccountTx is the view of the store available inside a transaction.
type AccountTx interface {
	AccountReader
	// LockByID takes an exclusive lock on the account row and returns its committed state.
	LockByID(ctx context.Context, accountID string) (*domain.Account, error)
	// AdjustBalance applies balance += delta. The caller has already checked the result is not negative.
	AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal) error
	EnqueueMessage(ctx context.Context, msg *domain.OutboxMessage) error
}

// Tx is a scoped transaction handle. Rollback after Commit is a no-op.
type Tx interface {
	AccountTx
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

type AccountStore interface {
	AccountReader
	Beginner
	CreateAccount(ctx context.Context, account *domain.Account) error
	WithTransaction(ctx context.Context, work func(ctx context.Context, tx AccountTx) error) error
}
