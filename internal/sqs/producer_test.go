package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// fakeQueue is an in-memory stand-in for the SQS API.
type fakeQueue struct {
	sent       []*sqs.SendMessageInput
	inbox      []types.Message
	deleted    []string
	visibility map[string]int32
	sendErr    error
}

func (f *fakeQueue) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeQueue) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: f.inbox}
	f.inbox = nil
	return out, nil
}

func (f *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeQueue) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestProducer_Enqueue(t *testing.T) {
	q := &fakeQueue{}
	p := NewProducer(q, "https://sqs.us-east-1.amazonaws.com/123/inbound", zap.NewNop())
	p.now = func() time.Time { return time.Unix(0, 1234567890) }

	payload := json.RawMessage(`{"providerMessageId":"<m1@ses>","recipientEmail":"a@b.org"}`)
	id, err := p.Enqueue(context.Background(), KindBounce, payload)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("message id = %s", id)
	}

	if len(q.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(q.sent))
	}
	in := q.sent[0]
	if got := aws.ToString(in.MessageAttributes["kind"].StringValue); got != KindBounce {
		t.Errorf("kind attribute = %s", got)
	}

	var decoded Message
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Kind != KindBounce || decoded.EnqueuedAt != 1234567890 {
		t.Errorf("decoded = %+v", decoded)
	}
	if string(decoded.Payload) != string(payload) {
		t.Errorf("payload mismatch: got %s, want %s", decoded.Payload, payload)
	}
}

func TestProducer_EnqueueError(t *testing.T) {
	p := NewProducer(&fakeQueue{sendErr: errors.New("throttled")}, "q", zap.NewNop())
	if _, err := p.Enqueue(context.Background(), KindReply, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_ReceiveDropsUndecodable(t *testing.T) {
	good, _ := json.Marshal(Message{Kind: KindReply, Payload: json.RawMessage(`{"a":1}`)})
	q := &fakeQueue{inbox: []types.Message{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("rh-1"), Body: aws.String(string(good))},
		{MessageId: aws.String("2"), ReceiptHandle: aws.String("rh-2"), Body: aws.String("not json")},
	}}
	c := NewConsumer(q, "q", zap.NewNop())

	msgs, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Message.Kind != KindReply || msgs[0].ReceiptHandle != "rh-1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "rh-2" {
		t.Fatalf("undecodable message not deleted: %v", q.deleted)
	}
}

func TestConsumer_DeleteAndVisibility(t *testing.T) {
	q := &fakeQueue{}
	c := NewConsumer(q, "q", zap.NewNop())
	ctx := context.Background()

	if err := c.Delete(ctx, "rh-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.ChangeVisibility(ctx, "rh-2", 30); err != nil {
		t.Fatalf("visibility: %v", err)
	}
	if q.visibility["rh-2"] != 30 {
		t.Errorf("visibility = %d", q.visibility["rh-2"])
	}
}
