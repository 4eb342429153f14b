package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/index-queue/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliverySource yields RabbitMQ deliveries
type DeliverySource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// WakeConsumer turns enqueue notifications into wake-up signals for the
// scheduler. The job table stays the source of truth; a message only means
// "there may be work now".
type WakeConsumer struct {
	logger        *slog.Logger
	source        DeliverySource
	consumerTag   string
	prefetchCount int
	wake          chan domain.WakeMessage
}

// NewWakeConsumer creates a WakeConsumer
func NewWakeConsumer(logger *slog.Logger, source DeliverySource, consumerTag string, prefetchCount int) *WakeConsumer {
	if prefetchCount <= 0 {
		prefetchCount = 10
	}
	return &WakeConsumer{
		logger:        logger,
		source:        source,
		consumerTag:   consumerTag,
		prefetchCount: prefetchCount,
		// One pending wake-up is enough; further ones coalesce into it
		wake: make(chan domain.WakeMessage, 1),
	}
}

// Wakeups delivers coalesced wake-up signals
func (c *WakeConsumer) Wakeups() <-chan domain.WakeMessage {
	return c.wake
}

// Start sets QoS, begins consuming and dispatches in the background until ctx is done
func (c *WakeConsumer) Start(ctx context.Context) error {
	if err := c.source.Qos(c.prefetchCount); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := c.source.Consume(c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Wake-up consumer started",
		slog.String("consumer_tag", c.consumerTag),
		slog.Int("prefetch_count", c.prefetchCount),
	)

	go c.dispatch(ctx, deliveries)
	return nil
}

// dispatch acknowledges every delivery and forwards valid ones as wake-ups
func (c *WakeConsumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Wake-up consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg domain.WakeMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.JobID <= 0 {
				c.logger.Error("Discarding malformed wake-up message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages go to the broker's dead-letter exchange, if any
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					c.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
				}
				continue
			}

			select {
			case c.wake <- msg:
				c.logger.Debug("Wake-up signaled",
					slog.Int64("job_id", msg.JobID),
					slog.String("job_type", string(msg.JobType)),
				)
			default:
				// A wake-up is already pending
			}

			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("Failed to ACK message",
					slog.Int64("job_id", msg.JobID),
					slog.Any("error", ackErr),
				)
			}
		}
	}
}
