package queue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/screenroast/screenroast/internal/resilience"
)

// Processor runs the enrichment pipeline for one item.
type Processor interface {
	HasActiveRoast(ctx context.Context, itemID int64) (bool, error)
	ProcessItem(ctx context.Context, itemID int64, title string) error
}

// DeadLetterStore persists messages that exhausted their retry budget.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, entry resilience.DeadLetter) error
}

// Consumer drains the work topic with a bounded worker pool. Failed
// messages are acked and republished with an incremented attempt counter;
// once the budget is spent they land in the dead-letter table and topic.
// One poisoned message never blocks its siblings.
type Consumer struct {
	queue       *Queue
	processor   Processor
	deadLetters DeadLetterStore
	maxAttempts int

	lastActive atomic.Int64
	inFlight   atomic.Int64
}

// NewConsumer creates a Consumer.
func NewConsumer(q *Queue, p Processor, dls DeadLetterStore, maxAttempts int) *Consumer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Consumer{
		queue:       q,
		processor:   p,
		deadLetters: dls,
		maxAttempts: maxAttempts,
	}
}

// Run consumes until the context is canceled or the subscription channel
// closes. workers sets the pool size; each worker pulls from the shared
// channel so a slow item only occupies one slot.
func (c *Consumer) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}

	msgs, err := c.queue.Subscribe(ctx)
	if err != nil {
		return err
	}
	c.touch()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					c.handle(ctx, msg)
				}
			}
		})
	}
	return g.Wait()
}

func (c *Consumer) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IdleFor reports whether no message has been handled for at least d and
// none is in flight. One-shot commands use this to decide the queue has
// drained.
func (c *Consumer) IdleFor(d time.Duration) bool {
	if c.inFlight.Load() > 0 {
		return false
	}
	last := time.Unix(0, c.lastActive.Load())
	return time.Since(last) >= d
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	c.inFlight.Add(1)
	c.touch()
	defer func() {
		c.touch()
		c.inFlight.Add(-1)
	}()

	correlationID := msg.Metadata.Get(MetaCorrelationID)
	attempt := Attempt(msg)

	im, err := DecodeMessage(msg)
	if err != nil {
		// Malformed bodies can never succeed; straight to the dead letters.
		zap.L().Error("undecodable message",
			zap.String("message_id", msg.UUID),
			zap.Error(err),
		)
		c.deadLetter(ctx, msg, im, correlationID, attempt, err)
		msg.Ack()
		return
	}

	log := zap.L().With(
		zap.Int64("item_id", im.ItemID),
		zap.String("correlation_id", correlationID),
		zap.Int("attempt", attempt),
	)

	done, err := c.processor.HasActiveRoast(ctx, im.ItemID)
	if err != nil {
		log.Warn("dedup check failed, processing anyway", zap.Error(err))
	}
	if done {
		log.Debug("active roast exists, skipping")
		msg.Ack()
		return
	}

	start := time.Now()
	if err := c.processor.ProcessItem(ctx, im.ItemID, im.Title); err != nil {
		log.Warn("item processing failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		c.retryOrBury(ctx, msg, im, correlationID, attempt, err)
		msg.Ack()
		return
	}

	log.Info("item processed", zap.Duration("elapsed", time.Since(start)))
	msg.Ack()
}

func (c *Consumer) retryOrBury(ctx context.Context, msg *message.Message, im ItemMessage, correlationID string, attempt int, cause error) {
	if attempt >= c.maxAttempts {
		c.deadLetter(ctx, msg, im, correlationID, attempt, cause)
		return
	}

	retry := message.NewMessage(watermillUUID(), msg.Payload)
	retry.Metadata.Set(MetaCorrelationID, correlationID)
	retry.Metadata.Set(MetaAttempt, strconv.Itoa(attempt+1))
	if err := c.queue.republish(retry); err != nil {
		zap.L().Error("republish failed, burying message",
			zap.Int64("item_id", im.ItemID),
			zap.Error(err),
		)
		c.deadLetter(ctx, msg, im, correlationID, attempt, cause)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg *message.Message, im ItemMessage, correlationID string, attempt int, cause error) {
	entry := resilience.DeadLetter{
		ID:            uuid.NewString(),
		ItemID:        im.ItemID,
		Title:         im.Title,
		CorrelationID: correlationID,
		Error:         cause.Error(),
		ErrorType:     resilience.ClassifyError(cause),
		Attempts:      attempt,
		CreatedAt:     time.Now().UTC(),
	}

	if err := c.deadLetters.InsertDeadLetter(ctx, entry); err != nil {
		zap.L().Error("dead letter persist failed",
			zap.Int64("item_id", im.ItemID),
			zap.Error(err),
		)
	}

	dlq := message.NewMessage(watermillUUID(), msg.Payload)
	dlq.Metadata.Set(MetaCorrelationID, correlationID)
	dlq.Metadata.Set(MetaAttempt, strconv.Itoa(attempt))
	if err := c.queue.publishDLQ(dlq); err != nil {
		zap.L().Warn("dlq publish failed",
			zap.Int64("item_id", im.ItemID),
			zap.Error(err),
		)
	}

	zap.L().Error("message dead-lettered",
		zap.Int64("item_id", im.ItemID),
		zap.String("error_type", entry.ErrorType),
		zap.Int("attempts", attempt),
	)
}
