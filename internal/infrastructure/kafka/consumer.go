package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageHandler processes one fetched message. A nil return commits the offset; an error
// leaves it uncommitted so the message is delivered again.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type Consumer interface {
	Start(ctx context.Context, handler MessageHandler) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader the consumer loop needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaConsumer struct {
	reader     MessageReader
	logger     *zap.Logger
	topic      string
	groupID    string
	fetchDelay time.Duration
}

func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:                brokerURLs,
		GroupID:                groupID,
		Topic:                  topic,
		MinBytes:               1,
		MaxBytes:               10e6,
		ReadBatchTimeout:       1 * time.Second,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		HeartbeatInterval:      3 * time.Second,
		CommitInterval:         0,
		PartitionWatchInterval: 5 * time.Second,
		MaxAttempts:            3,
	})

	return NewConsumerWithReader(reader, groupID, topic, logger)
}

func NewConsumerWithReader(reader MessageReader, groupID, topic string, logger *zap.Logger) Consumer {
	return &kafkaConsumer{
		reader:     reader,
		logger:     logger,
		topic:      topic,
		groupID:    groupID,
		fetchDelay: time.Second,
	}
}

// Start runs the fetch, handle, commit loop until ctx is cancelled.
func (c *kafkaConsumer) Start(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Kafka consumer starting", zap.String("topic", c.topic), zap.String("group_id", c.groupID))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Kafka consumer context cancelled, stopping", zap.String("topic", c.topic))
				return nil
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.String("topic", c.topic), zap.Error(err))
			if err := sleep(ctx, c.fetchDelay); err != nil {
				return nil
			}
			continue
		}

		fields := []zap.Field{
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)),
		}
		c.logger.Debug("Received Kafka message", fields...)

		if handlerErr := handler(ctx, msg); handlerErr != nil {
			c.logger.Error("Error handling Kafka message, will not commit offset", append(fields, zap.Error(handlerErr))...)
			if err := sleep(ctx, c.fetchDelay); err != nil {
				return nil
			}
			continue
		}

		if commitErr := c.reader.CommitMessages(ctx, msg); commitErr != nil {
			c.logger.Error("Failed to commit offset for Kafka message", append(fields, zap.Error(commitErr))...)
			continue
		}
		c.logger.Debug("Kafka message offset committed", fields...)
	}
}

func (c *kafkaConsumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka reader: %w", err)
	}
	c.logger.Info("Kafka consumer closed", zap.String("topic", c.topic))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
