package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSNS struct {
	published []*sns.PublishInput
	batches   []*sns.PublishBatchInput
	failed    int
	err       error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func (f *fakeSNS) PublishBatch(_ context.Context, in *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	f.batches = append(f.batches, in)
	out := &sns.PublishBatchOutput{}
	for i := 0; i < f.failed; i++ {
		out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: aws.String("x")})
	}
	return out, nil
}

func TestSNSPublisher_Publish(t *testing.T) {
	client := &fakeSNS{}
	p := NewSNSPublisherWithClient(client, "arn:aws:sns:us-east-1:123:lifecycle", zap.NewNop())

	e := New(TypeEmailSuppressed, map[string]any{"reason": "hard_bounce"})
	e.LeadID = "lead-1"
	require.NoError(t, p.Publish(context.Background(), e))

	require.Len(t, client.published, 1)
	in := client.published[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:123:lifecycle", aws.ToString(in.TopicArn))
	assert.Equal(t, TypeEmailSuppressed, aws.ToString(in.MessageAttributes["event_type"].StringValue))
	assert.Equal(t, "lead-1", aws.ToString(in.MessageAttributes["lead_id"].StringValue))

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "hard_bounce", decoded.Data["reason"])
}

func TestSNSPublisher_OmitsEmptyLead(t *testing.T) {
	client := &fakeSNS{}
	p := NewSNSPublisherWithClient(client, "arn", zap.NewNop())

	require.NoError(t, p.Publish(context.Background(), New(TypeSegmentReconciled, nil)))
	_, ok := client.published[0].MessageAttributes["lead_id"]
	assert.False(t, ok)
}

func TestSNSPublisher_Error(t *testing.T) {
	p := NewSNSPublisherWithClient(&fakeSNS{err: errors.New("denied")}, "arn", zap.NewNop())
	assert.ErrorContains(t, p.Publish(context.Background(), New(TypeAutomationPaused, nil)), "denied")
}

func TestSNSPublisher_Batch(t *testing.T) {
	client := &fakeSNS{}
	p := NewSNSPublisherWithClient(client, "arn", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.PublishBatch(ctx, nil))
	assert.Empty(t, client.batches)

	batch := make([]Event, 11)
	for i := range batch {
		batch[i] = New(TypeAutomationPaused, nil)
	}
	assert.Error(t, p.PublishBatch(ctx, batch))

	require.NoError(t, p.PublishBatch(ctx, batch[:3]))
	require.Len(t, client.batches, 1)
	assert.Len(t, client.batches[0].PublishBatchRequestEntries, 3)

	client.failed = 1
	assert.ErrorContains(t, p.PublishBatch(ctx, batch[:2]), "partial batch failure")
}

func TestEventJSONOmitsEmpty(t *testing.T) {
	data, err := json.Marshal(New(TypeSegmentReconciled, nil))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeSegmentReconciled, decoded["event_type"])
	assert.NotContains(t, decoded, "lead_id")
	assert.NotContains(t, decoded, "data")
}
