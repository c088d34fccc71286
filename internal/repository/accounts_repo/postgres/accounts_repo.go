package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/domain"
	"ledger/internal/infrastructure/database"
	"ledger/internal/repository/accounts_repo"
	outbox_postgres "ledger/internal/repository/outbox_repo/postgres"
)

const accountColumns = `id, owner_id, balance, created_at, updated_at`

type AccountRepository struct {
	db          *sql.DB
	txOpts      *sql.TxOptions
	lockTimeout time.Duration
}

var _ accounts_repo.AccountStore = (*AccountRepository)(nil)

type Option func(*AccountRepository)

// WithLockTimeout bounds how long a transaction waits for a row lock. Expiry surfaces as
// lock_not_available, which the engine retries.
func WithLockTimeout(d time.Duration) Option {
	return func(r *AccountRepository) {
		r.lockTimeout = d
	}
}

func NewAccountRepository(db *sql.DB, isolation sql.IsolationLevel, opts ...Option) *AccountRepository {
	r := &AccountRepository{
		db:     db,
		txOpts: &sql.TxOptions{Isolation: isolation},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *AccountRepository) FindByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	return findByOwner(ctx, r.db, ownerID)
}

func (r *AccountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, owner_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		account.ID, account.OwnerID, account.Balance, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return domain.ErrAccountAlreadyExists
		}
		return fmt.Errorf("failed to create account for owner %s: %w", account.OwnerID, database.ClassifyError(err))
	}
	return nil
}

func (r *AccountRepository) Begin(ctx context.Context) (accounts_repo.Tx, error) {
	tx, err := r.db.BeginTx(ctx, r.txOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", database.ClassifyError(err))
	}
	if r.lockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to set lock timeout: %w", database.ClassifyError(err))
		}
	}
	return &accountTx{tx: tx}, nil
}

func (r *AccountRepository) WithTransaction(ctx context.Context, work func(ctx context.Context, tx accounts_repo.AccountTx) error) error {
	return accounts_repo.RunInTx(ctx, r, work)
}

type accountTx struct {
	tx *sql.Tx
}

func (t *accountTx) FindByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	return findByOwner(ctx, t.tx, ownerID)
}

func (t *accountTx) LockByID(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	account, err := scanAccount(t.tx.QueryRowContext(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account %s: %w", accountID, database.ClassifyError(err))
	}
	return account, nil
}

func (t *accountTx) AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET balance = balance + $1, updated_at = now()
		WHERE id = $2
	`
	res, err := t.tx.ExecContext(ctx, query, delta, accountID)
	if err != nil {
		return fmt.Errorf("failed to adjust balance for account %s: %w", accountID, database.ClassifyError(err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (t *accountTx) EnqueueMessage(ctx context.Context, msg *domain.OutboxMessage) error {
	if err := outbox_postgres.InsertMessage(ctx, t.tx, msg); err != nil {
		return database.ClassifyError(err)
	}
	return nil
}

func (t *accountTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", database.ClassifyError(err))
	}
	return nil
}

func (t *accountTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func findByOwner(ctx context.Context, querier domain.Querier, ownerID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_id = $1`
	account, err := scanAccount(querier.QueryRowContext(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account for owner %s: %w", ownerID, database.ClassifyError(err))
	}
	return account, nil
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	account := &domain.Account{}
	err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return account, nil
}
