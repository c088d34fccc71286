package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"ledger/internal/domain"
	"ledger/internal/infrastructure/database"
	"ledger/internal/repository/outbox_repo"
)

const defaultClaimLease = 30 * time.Second

type OutboxRepository struct {
	db         *sql.DB
	claimLease time.Duration
}

var _ outbox_repo.OutboxRepository = (*OutboxRepository)(nil)

type Option func(*OutboxRepository)

// WithClaimLease sets how long a fetched batch stays hidden from other processors.
func WithClaimLease(d time.Duration) Option {
	return func(r *OutboxRepository) {
		if d > 0 {
			r.claimLease = d
		}
	}
}

func NewOutboxRepository(db *sql.DB, opts ...Option) *OutboxRepository {
	r := &OutboxRepository{db: db, claimLease: defaultClaimLease}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InsertMessage writes msg through querier, normally the transaction that changed the balances.
func InsertMessage(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, aggregate_id, aggregate_type, message_type, topic, key_value, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := querier.ExecContext(ctx, query,
		msg.ID,
		msg.AggregateID,
		msg.AggregateType,
		msg.MessageType,
		msg.Topic,
		msg.Key,
		msg.Payload,
		msg.Status,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// GetPendingMessages claims up to limit pending messages for the lease. Rows locked or
// claimed by another processor are skipped, so concurrent replicas get disjoint batches.
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	query := `
		WITH batch AS (
			SELECT id
			FROM outbox_messages
			WHERE status = $1 AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages m
		SET claimed_until = now() + make_interval(secs => $3)
		FROM batch
		WHERE m.id = batch.id
		RETURNING m.id, m.aggregate_id, m.aggregate_type, m.message_type, m.topic, m.key_value, m.payload,
		          m.status, m.attempts, m.last_error, m.created_at, m.sent_at
	`
	rows, err := r.db.QueryContext(ctx, query, domain.OutboxStatusPending, limit, r.claimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", database.ClassifyError(err))
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg := domain.OutboxMessage{}
		var sentAt sql.NullTime
		err := rows.Scan(
			&msg.ID,
			&msg.AggregateID,
			&msg.AggregateType,
			&msg.MessageType,
			&msg.Topic,
			&msg.Key,
			&msg.Payload,
			&msg.Status,
			&msg.Attempts,
			&msg.LastError,
			&msg.CreatedAt,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	// RETURNING has no order.
	slices.SortStableFunc(messages, func(a, b domain.OutboxMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return messages, nil
}

func (r *OutboxRepository) MarkMessagesAsSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE outbox_messages
		SET status = $1, sent_at = now()
		WHERE id = ANY($2)
	`
	if _, err := r.db.ExecContext(ctx, query, domain.OutboxStatusSent, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to mark outbox messages as sent: %w", database.ClassifyError(err))
	}
	return nil
}

func (r *OutboxRepository) MarkMessageAsFailed(ctx context.Context, id string, reason string, maxAttempts int) error {
	query := `
		UPDATE outbox_messages
		SET attempts = attempts + 1,
		    last_error = $1,
		    status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END,
		    claimed_until = NULL
		WHERE id = $4
	`
	res, err := r.db.ExecContext(ctx, query, reason, maxAttempts, domain.OutboxStatusFailed, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %s as failed: %w", id, database.ClassifyError(err))
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox update (id %s): %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no outbox message found with id %s to update status", id)
	}
	return nil
}
