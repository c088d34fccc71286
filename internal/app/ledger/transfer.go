package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ledger/internal/domain"
	"ledger/internal/repository/accounts_repo"
)

const tracerName = "ledger/internal/app/ledger"

type TransferEngine interface {
	// Transfer moves amount from the caller's account to the account owned by toOwnerID as a
	// single atomic unit. It retries transient storage conflicts internally and reports
	// domain.ErrTransferAborted once the retry budget is spent.
	Transfer(ctx context.Context, callerOwnerID, toOwnerID string, amount decimal.Decimal) (*domain.Transfer, error)
}

type transferEngine struct {
	store  accounts_repo.AccountStore
	retry  RetryPolicy
	topic  string
	tracer trace.Tracer
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type EngineOption func(*transferEngine)

func WithRetryPolicy(p RetryPolicy) EngineOption {
	return func(e *transferEngine) {
		e.retry = p.normalized()
	}
}

// WithEventTopic makes every committed transfer enqueue a transfer.completed outbox message
// for topic in the same transaction.
func WithEventTopic(topic string) EngineOption {
	return func(e *transferEngine) {
		e.topic = topic
	}
}

func WithTracer(t trace.Tracer) EngineOption {
	return func(e *transferEngine) {
		e.tracer = t
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *transferEngine) {
		e.now = now
	}
}

func NewTransferEngine(store accounts_repo.AccountStore, logger *zap.Logger, opts ...EngineOption) TransferEngine {
	e := &transferEngine{
		store:  store,
		retry:  DefaultRetryPolicy(),
		tracer: otel.Tracer(tracerName),
		logger: logger,
		now:    time.Now,
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *transferEngine) Transfer(ctx context.Context, callerOwnerID, toOwnerID string, amount decimal.Decimal) (*domain.Transfer, error) {
	ctx, span := e.tracer.Start(ctx, "ledger.Transfer", trace.WithAttributes(
		attribute.String("ledger.from_owner_id", callerOwnerID),
		attribute.String("ledger.to_owner_id", toOwnerID),
		attribute.String("ledger.amount", domain.DisplayMoney(amount)),
	))
	defer span.End()

	transfer, attempts, err := e.transfer(ctx, callerOwnerID, toOwnerID, amount)
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logFailure(callerOwnerID, toOwnerID, amount, attempts, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("ledger.transfer_id", transfer.ID))
	span.SetStatus(codes.Ok, "")
	e.logger.Info("Transfer committed",
		zap.String("transfer_id", transfer.ID),
		zap.String("from_account_id", transfer.FromAccountID),
		zap.String("to_account_id", transfer.ToAccountID),
		zap.String("amount", domain.FormatMoney(amount)),
		zap.Int("attempts", attempts))
	return transfer, nil
}

func (e *transferEngine) transfer(ctx context.Context, callerOwnerID, toOwnerID string, amount decimal.Decimal) (*domain.Transfer, int, error) {
	if err := domain.ValidateTransferAmount(amount); err != nil {
		return nil, 0, err
	}
	if strings.TrimSpace(toOwnerID) == "" {
		return nil, 0, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	if callerOwnerID == "" {
		return nil, 0, domain.ErrAccountNotFound
	}
	if callerOwnerID == toOwnerID {
		return nil, 0, domain.ErrSameAccount
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		transfer, err := e.attempt(ctx, callerOwnerID, toOwnerID, amount)
		if err == nil {
			transfer.Attempts = attempt
			return transfer, attempt, nil
		}
		if !errors.Is(err, domain.ErrTransientConflict) {
			return nil, attempt, err
		}

		lastErr = err
		if attempt == e.retry.MaxAttempts {
			break
		}

		delay := e.retry.delay(attempt - 1)
		e.logger.Warn("Transient conflict during transfer, retrying",
			zap.String("from_owner_id", callerOwnerID),
			zap.String("to_owner_id", toOwnerID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return nil, attempt, fmt.Errorf("%w: %v", domain.ErrTransferAborted, err)
		}
	}

	return nil, e.retry.MaxAttempts, fmt.Errorf("%w: %d attempts exhausted, last error: %v",
		domain.ErrTransferAborted, e.retry.MaxAttempts, lastErr)
}

// attempt runs one resolve, lock, validate, mutate, commit unit.
func (e *transferEngine) attempt(ctx context.Context, callerOwnerID, toOwnerID string, amount decimal.Decimal) (*domain.Transfer, error) {
	var transfer *domain.Transfer

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx accounts_repo.AccountTx) error {
		sender, err := tx.FindByOwner(ctx, callerOwnerID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return domain.ErrAccountNotFound
			}
			return fmt.Errorf("failed to resolve sender %s: %w", callerOwnerID, err)
		}

		recipient, err := tx.FindByOwner(ctx, toOwnerID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return domain.ErrRecipientNotFound
			}
			return fmt.Errorf("failed to resolve recipient %s: %w", toOwnerID, err)
		}
		if sender.ID == recipient.ID {
			return domain.ErrSameAccount
		}

		locked, err := lockInOrder(ctx, tx, sender.ID, recipient.ID)
		if err != nil {
			return err
		}
		sender, recipient = locked[sender.ID], locked[recipient.ID]

		if sender.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s",
				domain.ErrInsufficientFunds, domain.FormatMoney(sender.Balance), domain.FormatMoney(amount))
		}

		if err := tx.AdjustBalance(ctx, sender.ID, amount.Neg()); err != nil {
			return fmt.Errorf("failed to debit account %s: %w", sender.ID, err)
		}
		if err := tx.AdjustBalance(ctx, recipient.ID, amount); err != nil {
			return fmt.Errorf("failed to credit account %s: %w", recipient.ID, err)
		}

		t := &domain.Transfer{
			ID:            uuid.NewString(),
			FromAccountID: sender.ID,
			ToAccountID:   recipient.ID,
			FromOwnerID:   sender.OwnerID,
			ToOwnerID:     recipient.OwnerID,
			Amount:        amount,
			CommittedAt:   e.now().UTC(),
		}

		if e.topic != "" {
			msg, err := newTransferCompletedMessage(e.topic, t)
			if err != nil {
				return err
			}
			if err := tx.EnqueueMessage(ctx, msg); err != nil {
				return fmt.Errorf("failed to enqueue transfer notification: %w", err)
			}
		}

		transfer = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// lockInOrder locks the given accounts in ascending ID order so that two transfers over the
// same pair never wait on each other in a cycle.
func lockInOrder(ctx context.Context, tx accounts_repo.AccountTx, ids ...string) (map[string]*domain.Account, error) {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)

	locked := make(map[string]*domain.Account, len(ordered))
	for _, id := range ordered {
		account, err := tx.LockByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to lock account %s: %w", id, err)
		}
		locked[id] = account
	}
	return locked, nil
}

func newTransferCompletedMessage(topic string, t *domain.Transfer) (*domain.OutboxMessage, error) {
	payload, err := json.Marshal(domain.TransferCompletedEvent{
		TransferID:    t.ID,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		FromOwnerID:   t.FromOwnerID,
		ToOwnerID:     t.ToOwnerID,
		Amount:        domain.FormatMoney(t.Amount),
		CommittedAt:   t.CommittedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer event: %w", err)
	}

	return &domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateID:   t.ID,
		AggregateType: domain.AggregateTypeTransfer,
		MessageType:   domain.MessageTypeTransferCompleted,
		Topic:         topic,
		Key:           t.FromAccountID,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		CreatedAt:     t.CommittedAt,
	}, nil
}

func (e *transferEngine) logFailure(from, to string, amount decimal.Decimal, attempts int, err error) {
	fields := []zap.Field{
		zap.String("from_owner_id", from),
		zap.String("to_owner_id", to),
		zap.String("amount", domain.DisplayMoney(amount)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrRecipientNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrSameAccount),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrValidation):
		e.logger.Warn("Transfer rejected", fields...)
	default:
		e.logger.Error("Transfer failed", fields...)
	}
}
