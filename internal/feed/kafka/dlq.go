package kafkafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the dead-letter queue uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a producer for topic that waits for all replicas.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
}

// DeadLetter is the JSON body written to the dead-letter topic.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int       `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key,omitempty"`
	OriginalValue     string    `json:"original_value"`
	Reason            string    `json:"failure_reason"`
	Error             string    `json:"failure_error"`
	FailedAt          time.Time `json:"failure_timestamp"`
}

// DeadLetterQueue forwards rejected messages with the reason attached.
type DeadLetterQueue struct {
	writer MessageWriter
	now    func() time.Time
}

// NewDeadLetterQueue wraps w, which must be bound to the dead-letter topic.
func NewDeadLetterQueue(w MessageWriter) *DeadLetterQueue {
	return &DeadLetterQueue{writer: w, now: time.Now}
}

// Send writes msg and the failure to the dead-letter topic, keyed like the
// original so per-obligor order is kept.
func (q *DeadLetterQueue) Send(ctx context.Context, msg kafka.Message, reason string, cause error) error {
	body, err := json.Marshal(DeadLetter{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		OriginalKey:       string(msg.Key),
		OriginalValue:     string(msg.Value),
		Reason:            reason,
		Error:             cause.Error(),
		FailedAt:          q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: body})
}

// Close closes the underlying writer.
func (q *DeadLetterQueue) Close() error {
	return q.writer.Close()
}
