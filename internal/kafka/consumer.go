package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reservation/internal/logger"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// MessageHandler processes one message. A returned error is retried a few
// times before the message is skipped.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

const (
	handlerAttempts = 3
	handlerBackoff  = 200 * time.Millisecond
)

type Consumer struct {
	reader *kafka.Reader
	topic  string
	logger *logger.Logger
}

// NewConsumer creates a consumer for the given topic and group.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	return &Consumer{reader: reader, topic: topic, logger: log}
}

// Start consumes until ctx is cancelled. Offsets are committed after the
// handler ran, whether it succeeded or gave up.
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) error {
	c.logger.LogKafka("START", c.topic, "consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.LogKafka("STOP", c.topic, "consumer stopped")
				return nil
			}
			c.logger.Error("KAFKA", fmt.Sprintf("fetch from %s: %v", c.topic, err))
			continue
		}

		msgCtx := extractTraceContext(ctx, msg.Headers)
		c.handle(msgCtx, msg, handler)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("KAFKA", fmt.Sprintf("commit offset %d on %s: %v", msg.Offset, c.topic, err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler MessageHandler) {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return
		}
		if attempt == handlerAttempts {
			c.logger.Error("KAFKA", fmt.Sprintf("giving up on %s offset %d after %d attempts: %v", c.topic, msg.Offset, attempt, err))
			return
		}
		c.logger.Warn("KAFKA", fmt.Sprintf("handler failed on %s offset %d (attempt %d): %v", c.topic, msg.Offset, attempt, err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(handlerBackoff * time.Duration(attempt)):
		}
	}
}

func extractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Close shuts down the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
