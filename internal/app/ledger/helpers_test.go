package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger/internal/domain"
	"ledger/internal/repository/accounts_repo"
	"ledger/internal/repository/accounts_repo/memory"
)

// newStore seeds one account per owner with id "acc-<owner>".
func newStore(t *testing.T, balances map[string]string) *memory.Store {
	t.Helper()
	s := memory.NewStore()
	for owner, b := range balances {
		require.NoError(t, s.CreateAccount(context.Background(), &domain.Account{
			ID:      "acc-" + owner,
			OwnerID: owner,
			Balance: decimal.RequireFromString(b),
		}))
	}
	return s
}

func balanceOf(t *testing.T, s accounts_repo.AccountReader, owner string) string {
	t.Helper()
	acc, err := s.FindByOwner(context.Background(), owner)
	require.NoError(t, err)
	return domain.FormatMoney(acc.Balance)
}

func total(s *memory.Store) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range s.Accounts() {
		sum = sum.Add(a.Balance)
	}
	return sum
}

func noSleep(context.Context, time.Duration) error { return nil }

// testEngine returns the concrete engine so tests can replace its sleep function.
func testEngine(store accounts_repo.AccountStore, opts ...EngineOption) *transferEngine {
	e := NewTransferEngine(store, zap.NewNop(), opts...).(*transferEngine)
	e.sleep = noSleep
	return e
}

const (
	stepFindSender    = "find_sender"
	stepFindRecipient = "find_recipient"
	stepLock          = "lock"
	stepDebit         = "debit"
	stepCredit        = "credit"
	stepEnqueue       = "enqueue"
	stepCommit        = "commit"
)

// faultStore wraps a memory store and fails one step of every transaction (or the first
// failures transactions when failures > 0) with err.
type faultStore struct {
	*memory.Store
	step     string
	err      error
	failures int

	attempts int
}

func (f *faultStore) Begin(ctx context.Context) (accounts_repo.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	f.attempts++
	active := f.failures == 0 || f.attempts <= f.failures
	return &faultTx{Tx: tx, f: f, active: active}, nil
}

func (f *faultStore) WithTransaction(ctx context.Context, work func(ctx context.Context, tx accounts_repo.AccountTx) error) error {
	return accounts_repo.RunInTx(ctx, f, work)
}

type faultTx struct {
	accounts_repo.Tx
	f      *faultStore
	active bool

	finds   int
	adjusts int
}

func (t *faultTx) fail(step string) bool {
	return t.active && t.f.step == step
}

func (t *faultTx) FindByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	t.finds++
	if (t.finds == 1 && t.fail(stepFindSender)) || (t.finds == 2 && t.fail(stepFindRecipient)) {
		return nil, t.f.err
	}
	return t.Tx.FindByOwner(ctx, ownerID)
}

func (t *faultTx) LockByID(ctx context.Context, accountID string) (*domain.Account, error) {
	if t.fail(stepLock) {
		return nil, t.f.err
	}
	return t.Tx.LockByID(ctx, accountID)
}

func (t *faultTx) AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal) error {
	t.adjusts++
	if (t.adjusts == 1 && t.fail(stepDebit)) || (t.adjusts == 2 && t.fail(stepCredit)) {
		return t.f.err
	}
	return t.Tx.AdjustBalance(ctx, accountID, delta)
}

func (t *faultTx) EnqueueMessage(ctx context.Context, msg *domain.OutboxMessage) error {
	if t.fail(stepEnqueue) {
		return t.f.err
	}
	return t.Tx.EnqueueMessage(ctx, msg)
}

// Commit fails like a database that aborts at COMMIT: nothing is applied.
func (t *faultTx) Commit(ctx context.Context) error {
	if t.fail(stepCommit) {
		_ = t.Tx.Rollback(ctx)
		return t.f.err
	}
	return t.Tx.Commit(ctx)
}
