// Package ingest bridges an AMQP submission queue into the scheduler: each
// message carries an opaque payload that becomes one enqueued job.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vidforge/renderqueue/internal/scheduler"
	"github.com/vidforge/renderqueue/shared/rabbitmq"
)

// submitMessage is the wire shape of one job submission.
type submitMessage struct {
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

// Consumer feeds submissions from RabbitMQ into the scheduler.
type Consumer struct {
	client    *rabbitmq.Client
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	tag       string
}

// NewConsumer creates a Consumer with the given consumer tag.
func NewConsumer(client *rabbitmq.Client, sched *scheduler.Scheduler, tag string, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:    client,
		scheduler: sched,
		logger:    logger,
		tag:       tag,
	}
}

// Start consumes submissions until ctx is cancelled or the delivery channel
// closes. Malformed messages are nacked without requeue so they land in a
// dead-letter queue instead of looping forever.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.client.Consume(c.tag)
	if err != nil {
		return fmt.Errorf("failed to start ingest consumer: %w", err)
	}

	c.logger.Info("Ingest consumer started", slog.String("consumer_tag", c.tag))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Ingest consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg submitMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || len(msg.Payload) == 0 {
		c.logger.Error("Failed to parse submission message",
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	jobID, err := c.scheduler.Enqueue(ctx, msg.Payload, msg.MaxAttempts)
	if err != nil {
		c.logger.Error("Failed to enqueue submitted job",
			slog.String("error", err.Error()),
		)
		// Requeue: the store hiccup may be transient and the message is
		// still valid.
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to NACK message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ACK message",
			slog.String("job_id", jobID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	c.logger.Info("Submission enqueued",
		slog.String("job_id", jobID),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
}
