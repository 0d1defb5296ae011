package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/bounce"
	"github.com/lalithlochan/mailcore/internal/events"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/metrics"
	"github.com/lalithlochan/mailcore/internal/reply"
	"github.com/lalithlochan/mailcore/internal/sqs"
)

// retryVisibility is how long a failed message stays hidden before SQS
// redelivers it.
const retryVisibility int32 = 30

// Queue is the inbound webhook queue.
type Queue interface {
	Receive(ctx context.Context) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// BounceProcessor handles bounce events.
type BounceProcessor interface {
	ProcessBounce(ctx context.Context, ev bounce.Event) (*bounce.Result, error)
}

// ReplyProcessor handles reply events.
type ReplyProcessor interface {
	ProcessReply(ctx context.Context, ev reply.Event) (*reply.Result, error)
}

// errPoison marks a message that can never succeed.
var errPoison = errors.New("unprocessable message")

// InboundConsumer drains queued bounce and reply webhooks. Both processors
// are idempotent, so SQS at-least-once redelivery is safe.
type InboundConsumer struct {
	queue     Queue
	bounces   BounceProcessor
	replies   ReplyProcessor
	lifecycle *events.Lifecycle
	logger    *zap.Logger
}

func NewInboundConsumer(queue Queue, bounces BounceProcessor, replies ReplyProcessor, lifecycle *events.Lifecycle, logger *zap.Logger) *InboundConsumer {
	return &InboundConsumer{
		queue:     queue,
		bounces:   bounces,
		replies:   replies,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// Start long-polls until ctx is cancelled.
func (c *InboundConsumer) Start(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
	c.logger.Info("inbound consumer stopping")
}

// Poll receives one batch and handles every message in it. It returns the
// number of messages deleted.
func (c *InboundConsumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx)
	if err != nil {
		return 0, err
	}
	metrics.SetSQSMessagesInFlight(len(msgs))
	defer metrics.SetSQSMessagesInFlight(0)

	deleted := 0
	for _, m := range msgs {
		err := c.handle(ctx, m.Message)
		if err != nil && !errors.Is(err, errPoison) {
			c.logger.Warn("inbound message failed, will be redelivered",
				zap.String("kind", m.Message.Kind),
				zap.Error(err),
			)
			if verr := c.queue.ChangeVisibility(ctx, m.ReceiptHandle, retryVisibility); verr != nil {
				c.logger.Warn("failed to change visibility", zap.Error(verr))
			}
			continue
		}
		if err != nil {
			c.logger.Error("dropping inbound message", zap.String("kind", m.Message.Kind), zap.Error(err))
		}
		if err := c.queue.Delete(ctx, m.ReceiptHandle); err != nil {
			c.logger.Warn("failed to delete message", zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (c *InboundConsumer) handle(ctx context.Context, msg sqs.Message) error {
	switch msg.Kind {
	case sqs.KindBounce:
		var ev bounce.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", errPoison, err)
		}
		res, err := c.bounces.ProcessBounce(ctx, ev)
		if err != nil {
			return poisonIfInvalid(err)
		}
		c.lifecycle.BounceProcessed(ctx, ev, res)
		return nil

	case sqs.KindReply:
		var ev reply.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", errPoison, err)
		}
		res, err := c.replies.ProcessReply(ctx, ev)
		if err != nil {
			return poisonIfInvalid(err)
		}
		c.lifecycle.ReplyProcessed(ctx, res)
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", errPoison, msg.Kind)
	}
}

func poisonIfInvalid(err error) error {
	var verr *lead.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	return err
}
