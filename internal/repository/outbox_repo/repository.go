package outbox_repo

import (
	"context"

	"ledger/internal/domain"
)

// OutboxRepository is the delivery side of the outbox. Messages are written by
// accounts_repo.AccountTx.EnqueueMessage inside the transaction that produced them.
type OutboxRepository interface {
	GetPendingMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkMessagesAsSent(ctx context.Context, ids []string) error
	// MarkMessageAsFailed records a delivery failure; the message becomes FAILED once its
	// attempts reach maxAttempts and stays PENDING otherwise.
	MarkMessageAsFailed(ctx context.Context, id string, reason string, maxAttempts int) error
}
