// Package kafkafeed consumes lending events from a Kafka topic and routes
// events the scorer rejects to a dead-letter topic.
package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/jankascore/internal/credit"
	"github.com/alanyoungcy/jankascore/internal/domain"
)

// EventHandler applies one lending event.
type EventHandler interface {
	ApplyEvent(ctx context.Context, ev domain.LendingEvent) (domain.ScoreSummary, error)
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the consumer settings.
type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
}

// NewReader builds a consumer-group reader for cfg.Topic.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.FirstOffset,
	})
}

// Consumer reads events, applies them and commits offsets. Messages are
// committed only once they were applied, skipped as duplicates, or handed
// to the dead-letter queue, so a crash redelivers the rest.
type Consumer struct {
	reader  MessageReader
	handler EventHandler
	dlq     *DeadLetterQueue
	logger  *slog.Logger

	// maxLockRetries bounds retries while another writer holds the
	// obligor lock.
	maxLockRetries int
	retryBackoff   time.Duration
}

// NewConsumer creates a Consumer. dlq may be nil, in which case rejected
// messages are logged and committed.
func NewConsumer(reader MessageReader, handler EventHandler, dlq *DeadLetterQueue, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:         reader,
		handler:        handler,
		dlq:            dlq,
		logger:         logger.With(slog.String("component", "kafka_consumer")),
		maxLockRetries: 20,
		retryBackoff:   100 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled or a transient error persists.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopped")
				return ctx.Err()
			}
			return fmt.Errorf("kafkafeed: fetch: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("kafkafeed: commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle returns an error only when the message must not be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		return c.reject(ctx, msg, "malformed", err)
	}

	for attempt := 0; ; attempt++ {
		summary, err := c.handler.ApplyEvent(ctx, ev)
		switch {
		case err == nil:
			c.logger.Debug("event applied",
				slog.String("obligor", summary.Address),
				slog.String("event_id", ev.ID),
				slog.Int("score", summary.Score),
			)
			return nil
		case errors.Is(err, domain.ErrAlreadyExists):
			c.logger.Debug("duplicate event skipped", slog.String("event_id", ev.ID))
			return nil
		case Rejectable(err):
			return c.reject(ctx, msg, "rejected", err)
		case errors.Is(err, domain.ErrLockHeld) && attempt < c.maxLockRetries:
			if err := sleep(ctx, c.retryBackoff); err != nil {
				return err
			}
		default:
			return fmt.Errorf("kafkafeed: apply event %s: %w", ev.ID, err)
		}
	}
}

func (c *Consumer) reject(ctx context.Context, msg kafka.Message, reason string, cause error) error {
	c.logger.Warn("event rejected",
		slog.String("reason", reason),
		slog.Int64("offset", msg.Offset),
		slog.String("error", cause.Error()),
	)
	if c.dlq == nil {
		return nil
	}
	if err := c.dlq.Send(ctx, msg, reason, cause); err != nil {
		return fmt.Errorf("kafkafeed: dead-letter offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Rejectable reports whether err means the event itself is bad, as opposed
// to a failure that a redelivery could fix.
func Rejectable(err error) bool {
	return credit.IsFatal(err) ||
		errors.Is(err, domain.ErrInvalidEvent) ||
		errors.Is(err, domain.ErrInvalidAddress)
}

// DecodeEvent parses one message value and assigns an ID when the producer
// did not.
func DecodeEvent(value []byte) (domain.LendingEvent, error) {
	var ev domain.LendingEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return domain.LendingEvent{}, err
	}
	if ev.Obligor == "" {
		return domain.LendingEvent{}, fmt.Errorf("%w: missing obligor", domain.ErrInvalidEvent)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
