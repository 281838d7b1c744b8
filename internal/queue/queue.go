package queue

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/screenroast/screenroast/internal/model"
)

func watermillUUID() string { return uuid.NewString() }

// Queue is an in-process pub/sub for roast work.
type Queue struct {
	pubsub    *gochannel.GoChannel
	topic     string
	dlqTopic  string
	batchSize int
}

// Config sizes the queue.
type Config struct {
	Topic      string
	DLQTopic   string
	BatchSize  int
	BufferSize int
}

// New creates an in-process queue.
func New(cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.BufferSize),
	}, zapLoggerAdapter{})
	return &Queue{
		pubsub:    pubsub,
		topic:     cfg.Topic,
		dlqTopic:  cfg.DLQTopic,
		batchSize: cfg.BatchSize,
	}
}

// PublishItems enqueues one message per item, in batch-size chunks. The
// caller owns dedup across categories; the queue publishes exactly what it
// is handed.
func (q *Queue) PublishItems(ctx context.Context, items []model.Item, correlationID string) error {
	for start := 0; start < len(items); start += q.batchSize {
		end := start + q.batchSize
		if end > len(items) {
			end = len(items)
		}

		msgs := make([]*message.Message, 0, end-start)
		for _, item := range items[start:end] {
			msg, err := NewMessage(item, correlationID)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}

		if err := q.pubsub.Publish(q.topic, msgs...); err != nil {
			return eris.Wrap(err, "queue: publish batch")
		}

		zap.L().Debug("batch published",
			zap.String("topic", q.topic),
			zap.String("correlation_id", correlationID),
			zap.Int("count", len(msgs)),
		)
	}
	return nil
}

// Subscribe returns the work message channel for the main topic.
func (q *Queue) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := q.pubsub.Subscribe(ctx, q.topic)
	if err != nil {
		return nil, eris.Wrap(err, "queue: subscribe")
	}
	return ch, nil
}

// SubscribeDLQ returns the dead-letter topic channel, for inspection tools.
func (q *Queue) SubscribeDLQ(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := q.pubsub.Subscribe(ctx, q.dlqTopic)
	if err != nil {
		return nil, eris.Wrap(err, "queue: subscribe dlq")
	}
	return ch, nil
}

func (q *Queue) republish(msg *message.Message) error {
	return q.pubsub.Publish(q.topic, msg)
}

func (q *Queue) publishDLQ(msg *message.Message) error {
	return q.pubsub.Publish(q.dlqTopic, msg)
}

// Close shuts the pub/sub down, closing all subscriber channels.
func (q *Queue) Close() error {
	return q.pubsub.Close()
}

// zapLoggerAdapter bridges watermill's logger to the global zap logger.
type zapLoggerAdapter struct {
	fields watermill.LogFields
}

func (l zapLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	zap.L().Error(msg, append(l.zapFields(fields), zap.Error(err))...)
}

func (l zapLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	zap.L().Debug(msg, l.zapFields(fields)...)
}

func (l zapLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	zap.L().Debug(msg, l.zapFields(fields)...)
}

func (l zapLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	zap.L().Debug(msg, l.zapFields(fields)...)
}

func (l zapLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zapLoggerAdapter{fields: l.fields.Add(fields)}
}

func (l zapLoggerAdapter) zapFields(fields watermill.LogFields) []zap.Field {
	merged := l.fields.Add(fields)
	out := make([]zap.Field, 0, len(merged))
	for k, v := range merged {
		out = append(out, zap.Any(k, v))
	}
	return out
}
