package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	"paperflow/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const intakeRoutingKey = "process.request"

// intakeMessage is the wire form of one queued processing request
type intakeMessage struct {
	RequestID string `json:"request_id"`
}

// Intake is the durable queue between single-document submission and the
// scheduler. Submissions survive a process restart because the message, not
// the in-memory task, is the handoff.
type Intake struct {
	client Client
	cfg    config.RabbitMQConfig
}

// NewIntake declares the exchange, queue and binding and returns the intake
func NewIntake(client Client, cfg config.RabbitMQConfig) (*Intake, error) {
	if err := client.DeclareExchange(cfg.ExchangeName, "direct"); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := client.DeclareQueue(cfg.QueueName); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := client.BindQueue(cfg.QueueName, cfg.ExchangeName, intakeRoutingKey); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &Intake{client: client, cfg: cfg}, nil
}

// PublishRequest queues one processing request by id
func (i *Intake) PublishRequest(ctx context.Context, requestID string) error {
	body, err := json.Marshal(intakeMessage{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("marshal intake message: %w", err)
	}

	return i.client.Publish(i.cfg.ExchangeName, intakeRoutingKey, body, nil)
}

// RequestScheduler schedules a previously stored request by id
type RequestScheduler interface {
	ScheduleRequestByID(ctx context.Context, requestID string) error
}

// Consume pulls intake messages and hands each request to the scheduler
// until ctx is cancelled. A message that cannot be scheduled is requeued
// once, then dropped to the log rather than poisoning the queue.
func (i *Intake) Consume(ctx context.Context, scheduler RequestScheduler) error {
	deliveries, err := i.client.Consume(i.cfg.QueueName, "paperflow-intake")
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Intake consumer stopping")
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("intake delivery channel closed")
			}
			i.handle(ctx, scheduler, delivery)
		}
	}
}

func (i *Intake) handle(ctx context.Context, scheduler RequestScheduler, delivery amqp.Delivery) {
	var msg intakeMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		log.Error().Err(err).Int("size", len(delivery.Body)).Msg("Discarding malformed intake message")
		if err := delivery.Nack(false, false); err != nil {
			log.Warn().Err(err).Msg("Could not nack malformed message")
		}
		return
	}

	if err := scheduler.ScheduleRequestByID(ctx, msg.RequestID); err != nil {
		requeue := !delivery.Redelivered
		log.Warn().Err(err).
			Str("requestID", msg.RequestID).
			Bool("requeue", requeue).
			Msg("Could not schedule intake request")
		if err := delivery.Nack(false, requeue); err != nil {
			log.Warn().Err(err).Str("requestID", msg.RequestID).Msg("Could not nack message")
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.Warn().Err(err).Str("requestID", msg.RequestID).Msg("Could not ack message")
	}
}
