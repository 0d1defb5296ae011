package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

// SNSAPI is the subset of the SNS client used for publishing.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// SNSPublisher publishes events to one topic. Subscribers filter on the
// event_type message attribute.
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSPublisher creates a publisher for topicARN. A non-empty endpoint
// points the client at LocalStack.
func NewSNSPublisher(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*SNSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSNSPublisherWithClient(client, topicARN, logger), nil
}

// NewSNSPublisherWithClient wraps an existing client.
func NewSNSPublisherWithClient(client SNSAPI, topicARN string, logger *zap.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN, logger: logger}
}

func attributes(e Event) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(e.Type),
		},
	}
	if e.LeadID != "" {
		attrs["lead_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(e.LeadID),
		}
	}
	return attrs
}

// Publish implements Publisher.
func (p *SNSPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(e),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("event published",
		zap.String("event_type", e.Type),
		zap.String("event_id", e.ID),
		zap.String("sns_message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// PublishBatch publishes up to ten events in one call.
func (p *SNSPublisher) PublishBatch(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	if len(batch) > maxBatch {
		return fmt.Errorf("batch size %d exceeds SNS limit of %d", len(batch), maxBatch)
	}

	entries := make([]types.PublishBatchRequestEntry, len(batch))
	for i, e := range batch {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", i, err)
		}
		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(e.ID),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(e),
		}
	}

	out, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return fmt.Errorf("failed to publish batch to SNS: %w", err)
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("partial batch failure: %d events failed", len(out.Failed))
	}
	return nil
}
