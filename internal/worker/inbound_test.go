package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/bounce"
	"github.com/lalithlochan/mailcore/internal/db/memstore"
	"github.com/lalithlochan/mailcore/internal/events"
	"github.com/lalithlochan/mailcore/internal/reply"
	"github.com/lalithlochan/mailcore/internal/sqs"
	"github.com/lalithlochan/mailcore/internal/suppression"
)

type fakeQueue struct {
	batch      []sqs.Received
	deleted    []string
	visibility map[string]int32
}

func (q *fakeQueue) Receive(context.Context) ([]sqs.Received, error) {
	b := q.batch
	q.batch = nil
	return b, nil
}

func (q *fakeQueue) Delete(_ context.Context, rh string) error {
	q.deleted = append(q.deleted, rh)
	return nil
}

func (q *fakeQueue) ChangeVisibility(_ context.Context, rh string, seconds int32) error {
	if q.visibility == nil {
		q.visibility = map[string]int32{}
	}
	q.visibility[rh] = seconds
	return nil
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.events = append(p.events, e)
	return nil
}

type failingBounces struct{}

func (failingBounces) ProcessBounce(context.Context, bounce.Event) (*bounce.Result, error) {
	return nil, errors.New("database unavailable")
}

func received(t *testing.T, rh, kind string, payload any) sqs.Received {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return sqs.Received{ReceiptHandle: rh, Message: sqs.Message{Kind: kind, Payload: raw}}
}

func newInbound(t *testing.T, q *fakeQueue) (*InboundConsumer, *recordingPublisher, *memstore.Store) {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := memstore.New().WithClock(clock)
	ledger := audit.NewLedger(store, audit.NewPendingStore(), zap.NewNop(), audit.WithClock(clock))
	supp := suppression.NewService(store, zap.NewNop()).WithClock(clock)
	pub := &recordingPublisher{}

	c := NewInboundConsumer(q,
		bounce.NewProcessor(store, supp, ledger, zap.NewNop()).WithClock(clock),
		reply.NewDetector(store, ledger, zap.NewNop()).WithClock(clock),
		events.NewLifecycle(pub, zap.NewNop()),
		zap.NewNop(),
	)
	return c, pub, store
}

func TestInboundConsumer_ProcessesAndDeletes(t *testing.T) {
	q := &fakeQueue{}
	c, pub, store := newInbound(t, q)
	ctx := context.Background()

	q.batch = []sqs.Received{
		received(t, "rh-bounce", sqs.KindBounce, bounce.Event{
			Provider:          "ses",
			ProviderMessageID: "<m1@ses>",
			RecipientEmail:    "jane@school.org",
			BounceReason:      "550 5.1.1 user unknown",
			BounceCode:        "550",
		}),
		received(t, "rh-reply", sqs.KindReply, reply.Event{
			Provider:          "ses",
			ProviderMessageID: "<r1@mail>",
			ReplyFromEmail:    "sam@ngo.org",
			ReplyToEmail:      "outreach@mailcore.dev",
			Subject:           "Re: hello",
			Body:              "Thanks",
		}),
	}

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"rh-bounce", "rh-reply"}, q.deleted)

	suppressed, err := store.IsSuppressed(ctx, "jane@school.org")
	require.NoError(t, err)
	assert.True(t, suppressed)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeEmailSuppressed, pub.events[0].Type)
}

func TestInboundConsumer_PoisonMessagesDeleted(t *testing.T) {
	q := &fakeQueue{}
	c, _, _ := newInbound(t, q)

	q.batch = []sqs.Received{
		{ReceiptHandle: "rh-junk", Message: sqs.Message{Kind: sqs.KindBounce, Payload: json.RawMessage(`"nope"`)}},
		received(t, "rh-invalid", sqs.KindBounce, bounce.Event{ProviderMessageID: "<m@x>", RecipientEmail: "not-an-email"}),
		{ReceiptHandle: "rh-kind", Message: sqs.Message{Kind: "open", Payload: json.RawMessage(`{}`)}},
	}

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, q.visibility)
}

func TestInboundConsumer_TransientErrorRedelivers(t *testing.T) {
	q := &fakeQueue{}
	c := NewInboundConsumer(q, failingBounces{}, nil, events.NewLifecycle(nil, zap.NewNop()), zap.NewNop())

	q.batch = []sqs.Received{
		received(t, "rh-1", sqs.KindBounce, bounce.Event{ProviderMessageID: "<m@x>", RecipientEmail: "a@b.org"}),
	}

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, q.deleted)
	assert.Equal(t, retryVisibility, q.visibility["rh-1"])
}
