// Package memory is an in-process AccountStore used by tests and by the service when
// LEDGER_STORE=memory. It also serves as the OutboxRepository for the messages it holds.
//
// Transactions buffer their writes and apply them at commit. Every account carries an
// exclusive lock that a transaction takes on LockByID or AdjustBalance and holds until it
// finishes; a lock that cannot be acquired within the lock timeout fails the call with
// domain.ErrTransientConflict, the same way PostgreSQL reports lock_not_available.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/domain"
	"ledger/internal/repository/accounts_repo"
	"ledger/internal/repository/outbox_repo"
)

const DefaultLockTimeout = 2 * time.Second

var (
	ErrTxDone = errors.New("memory: transaction has already been committed or rolled back")

	errBalanceCheck = errors.New("memory: balance check constraint violated")
)

type row struct {
	lock    chan struct{}
	account domain.Account
}

type Store struct {
	mu       sync.RWMutex
	accounts map[string]*row
	owners   map[string]string
	outbox   []domain.OutboxMessage

	lockTimeout time.Duration
	now         func() time.Time
}

var (
	_ accounts_repo.AccountStore   = (*Store)(nil)
	_ outbox_repo.OutboxRepository = (*Store)(nil)
)

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[string]*row),
		owners:      make(map[string]string),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.owners[account.OwnerID]; exists {
		return domain.ErrAccountAlreadyExists
	}
	if _, exists := s.accounts[account.ID]; exists {
		return domain.ErrAccountAlreadyExists
	}
	if account.Balance.IsNegative() {
		return errBalanceCheck
	}

	s.accounts[account.ID] = &row{
		lock:    make(chan struct{}, 1),
		account: *account,
	}
	s.owners[account.OwnerID] = account.ID
	return nil
}

func (s *Store) FindByOwner(_ context.Context, ownerID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.owners[ownerID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	account := s.accounts[id].account
	return &account, nil
}

// Accounts returns a copy of every committed account ordered by ID.
func (s *Store) Accounts() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, r := range s.accounts {
		out = append(out, r.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Begin(ctx context.Context) (accounts_repo.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &memTx{
		store:  s,
		held:   make(map[string]*row),
		deltas: make(map[string]decimal.Decimal),
	}, nil
}

func (s *Store) WithTransaction(ctx context.Context, work func(ctx context.Context, tx accounts_repo.AccountTx) error) error {
	return accounts_repo.RunInTx(ctx, s, work)
}

func (s *Store) lookup(accountID string) (*row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.accounts[accountID]
	return r, ok
}

func (s *Store) committed(r *row) domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return r.account
}

type memTx struct {
	store   *Store
	held    map[string]*row
	deltas  map[string]decimal.Decimal
	pending []domain.OutboxMessage
	done    bool
}

func (t *memTx) FindByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	if t.done {
		return nil, ErrTxDone
	}
	account, err := t.store.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if d, ok := t.deltas[account.ID]; ok {
		account.Balance = account.Balance.Add(d)
	}
	return account, nil
}

func (t *memTx) LockByID(ctx context.Context, accountID string) (*domain.Account, error) {
	if t.done {
		return nil, ErrTxDone
	}
	r, err := t.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	account := t.store.committed(r)
	if d, ok := t.deltas[accountID]; ok {
		account.Balance = account.Balance.Add(d)
	}
	return &account, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal) error {
	if t.done {
		return ErrTxDone
	}
	r, err := t.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	next := t.deltas[accountID].Add(delta)
	if t.store.committed(r).Balance.Add(next).IsNegative() {
		return fmt.Errorf("failed to adjust balance for account %s: %w", accountID, errBalanceCheck)
	}
	t.deltas[accountID] = next
	return nil
}

func (t *memTx) EnqueueMessage(_ context.Context, msg *domain.OutboxMessage) error {
	if t.done {
		return ErrTxDone
	}
	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)
	t.pending = append(t.pending, cp)
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, d := range t.deltas {
		r := s.accounts[id]
		r.account.Balance = r.account.Balance.Add(d)
		r.account.UpdatedAt = now
	}
	s.outbox = append(s.outbox, t.pending...)
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}

// acquire takes the row lock for accountID unless this transaction already holds it.
func (t *memTx) acquire(ctx context.Context, accountID string) (*row, error) {
	if r, ok := t.held[accountID]; ok {
		return r, nil
	}
	r, ok := t.store.lookup(accountID)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	timer := time.NewTimer(t.store.lockTimeout)
	defer timer.Stop()

	select {
	case r.lock <- struct{}{}:
		t.held[accountID] = r
		return r, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: lock wait timeout on account %s", domain.ErrTransientConflict, accountID)
	case <-ctx.Done():
		return nil, fmt.Errorf("lock wait on account %s cancelled: %w", accountID, ctx.Err())
	}
}

func (t *memTx) release() {
	for id, r := range t.held {
		<-r.lock
		delete(t.held, id)
	}
}

func (s *Store) GetPendingMessages(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, msg := range s.outbox {
		if msg.Status != domain.OutboxStatusPending {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkMessagesAsSent(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := s.now()
	for i := range s.outbox {
		if _, ok := want[s.outbox[i].ID]; ok {
			s.outbox[i].Status = domain.OutboxStatusSent
			sentAt := now
			s.outbox[i].SentAt = &sentAt
		}
	}
	return nil
}

func (s *Store) MarkMessageAsFailed(_ context.Context, id string, reason string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID != id {
			continue
		}
		s.outbox[i].Attempts++
		s.outbox[i].LastError = reason
		if s.outbox[i].Attempts >= maxAttempts {
			s.outbox[i].Status = domain.OutboxStatusFailed
		}
		return nil
	}
	return fmt.Errorf("no outbox message found with id %s to update status", id)
}

// Messages returns a copy of every outbox message in insertion order.
func (s *Store) Messages() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OutboxMessage(nil), s.outbox...)
}
