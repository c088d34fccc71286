package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"ledger/internal/domain"
	"ledger/internal/repository/outbox_repo"
)

// Publisher delivers one message to the broker. kafka_infra.Producer satisfies it.
type Publisher interface {
	Produce(ctx context.Context, key, topic string, value []byte) error
}

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	BatchSize    int
	MaxAttempts  int

	// BreakerFailures consecutive publish failures open the breaker for BreakerOpenTimeout.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

type Processor struct {
	repo      outbox_repo.OutboxRepository
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	cfg       Config
	logger    *zap.Logger
}

func NewProcessor(repo outbox_repo.OutboxRepository, publisher Publisher, cfg Config, logger *zap.Logger) *Processor {
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-publisher",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Outbox circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Processor{
		repo:      repo,
		publisher: publisher,
		breaker:   breaker,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start polls until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped")
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Outbox poll failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce publishes one batch of pending messages and returns how many were marked sent.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	messages, err := p.repo.GetPendingMessages(queryCtx, p.cfg.BatchSize)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	if len(messages) == 0 {
		p.logger.Debug("No pending outbox messages found")
		return 0, nil
	}

	p.logger.Debug("Found pending outbox messages", zap.Int("count", len(messages)))

	sent := make([]string, 0, len(messages))
	for _, msg := range messages {
		err := p.publish(ctx, msg)
		if err == nil {
			sent = append(sent, msg.ID)
			continue
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Warn("Outbox publisher circuit open, deferring remaining messages",
				zap.Int("deferred", len(messages)-len(sent)))
			break
		}
		if ctx.Err() != nil {
			break
		}

		p.logger.Error("Failed to publish outbox message",
			zap.String("message_id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err))
		if markErr := p.repo.MarkMessageAsFailed(ctx, msg.ID, err.Error(), p.cfg.MaxAttempts); markErr != nil {
			p.logger.Error("Failed to record outbox publish failure", zap.String("message_id", msg.ID), zap.Error(markErr))
		}
	}

	if len(sent) == 0 {
		return 0, nil
	}
	if err := p.repo.MarkMessagesAsSent(ctx, sent); err != nil {
		return 0, fmt.Errorf("failed to mark %d outbox messages as sent: %w", len(sent), err)
	}
	p.logger.Info("Outbox messages published", zap.Int("count", len(sent)))
	return len(sent), nil
}

func (p *Processor) publish(ctx context.Context, msg domain.OutboxMessage) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Produce(ctx, msg.Key, msg.Topic, msg.Payload)
	})
	return err
}
