package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// RetryPolicy bounds per-message handling. After MaxAttempts the message is
// dead-lettered (when a DLQ is configured) instead of being retried forever.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
}

type Consumer struct {
	group    sarama.ConsumerGroup
	logger   *slog.Logger
	retry    RetryPolicy
	dlq      Publisher
	dlqTopic string
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
		retry:  DefaultRetryPolicy(),
	}, nil
}

func (c *Consumer) WithRetryPolicy(policy RetryPolicy) *Consumer {
	if policy.MaxAttempts > 0 {
		c.retry = policy
	}
	return c
}

func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlq = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:  handler,
		logger:   c.logger,
		retry:    c.retry,
		dlq:      c.dlq,
		dlqTopic: c.dlqTopic,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler  MessageHandler
	logger   *slog.Logger
	retry    RetryPolicy
	dlq      Publisher
	dlqTopic string
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handleWithRetry(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handleWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) {
	attempts := h.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return
		}
		lastErr = err

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			// Handler marked the message unprocessable; retrying cannot help.
			h.deadLetter(ctx, msg, dlqErr, attempt)
			return
		}

		h.logger.Error("kafka message handler error",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempt, "error", err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.retry.Backoff * time.Duration(attempt)):
			}
		}
	}

	h.deadLetter(ctx, msg, &DLQError{Err: lastErr, Reason: "retries_exhausted"}, attempts)
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause *DLQError, attempts int) {
	h.logger.Error("kafka message dead-lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
		"attempts", attempts, "error", cause)

	if h.dlq == nil || h.dlqTopic == "" {
		return
	}
	payload := BuildDLQPayload(msg, cause, attempts)
	key := ""
	if len(msg.Key) > 0 {
		key = string(msg.Key)
	}
	if _, _, err := h.dlq.PublishJSON(ctx, h.dlqTopic, key, payload); err != nil {
		h.logger.Error("dead-letter publish failed", "topic", h.dlqTopic, "error", err)
	}
}
