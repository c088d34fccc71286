package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ledger/internal/app/ledger"
	"ledger/internal/domain"
	kafka_infra "ledger/internal/infrastructure/kafka"
)

// UserRegisteredMessageHandler provisions an account for every user.registered event.
// Messages that can never succeed are acknowledged so they do not block the partition.
func UserRegisteredMessageHandler(provisioner ledger.AccountProvisioner, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt domain.UserRegisteredEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("Failed to unmarshal Kafka message value to UserRegisteredEvent",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		logger.Info("Processing UserRegisteredEvent",
			zap.String("event_id", evt.EventID),
			zap.String("user_id", evt.UserID),
			zap.String("initial_balance", domain.DisplayMoney(evt.InitialBalance)),
		)

		account, err := provisioner.Provision(ctx, evt.UserID, evt.InitialBalance)
		switch {
		case err == nil:
			logger.Info("Account provisioned from registration event",
				zap.String("event_id", evt.EventID),
				zap.String("account_id", account.ID),
			)
			return nil
		case errors.Is(err, domain.ErrAccountAlreadyExists):
			logger.Info("Registration event already applied, skipping",
				zap.String("event_id", evt.EventID),
				zap.String("user_id", evt.UserID),
			)
			return nil
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidAmount):
			logger.Error("Discarding invalid registration event",
				zap.String("event_id", evt.EventID),
				zap.String("user_id", evt.UserID),
				zap.Error(err),
			)
			return nil
		default:
			return fmt.Errorf("failed to provision account for user %s: %w", evt.UserID, err)
		}
	}
}
