package sender

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/db/memstore"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("0100018f-ses-id")}, nil
}

type countingSender struct {
	calls int
}

func (c *countingSender) Name() string { return "counting" }

func (c *countingSender) Send(_ context.Context, _ *Message) (*Result, error) {
	c.calls++
	return &Result{Provider: "counting", ProviderMessageID: "<id@test>"}, nil
}

func TestMessageFromRecord(t *testing.T) {
	payload, _ := json.Marshal(Payload{Subject: "Hello", Body: "Hi there"})
	rec := &db.EmailSendRecord{ID: uuid.New(), ToEmail: "jane@school.org", Payload: payload}

	msg, err := MessageFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, msg.SendID)
	assert.Equal(t, "jane@school.org", msg.To)
	assert.Equal(t, "Hello", msg.Subject)

	rec.Payload = json.RawMessage(`{"body":"x"}`)
	_, err = MessageFromRecord(rec)
	assert.Error(t, err)

	rec.Payload = json.RawMessage(`not json`)
	_, err = MessageFromRecord(rec)
	assert.Error(t, err)
}

func TestSESSender_Send(t *testing.T) {
	client := &fakeSES{}
	s := NewSESSenderWithClient(client, "outreach@mailcore.dev", zap.NewNop())

	res, err := s.Send(context.Background(), &Message{
		SendID:   uuid.New(),
		To:       "jane@school.org",
		Subject:  "Hello",
		Body:     "plain",
		HTMLBody: "<p>html</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, ProviderSES, res.Provider)
	assert.Equal(t, "0100018f-ses-id", res.ProviderMessageID)

	require.NotNil(t, client.input)
	assert.Equal(t, "outreach@mailcore.dev", aws.ToString(client.input.Source))
	assert.Equal(t, []string{"jane@school.org"}, client.input.Destination.ToAddresses)
	assert.Equal(t, "plain", aws.ToString(client.input.Message.Body.Text.Data))
	assert.Equal(t, "<p>html</p>", aws.ToString(client.input.Message.Body.Html.Data))
}

func TestSESSender_Error(t *testing.T) {
	s := NewSESSenderWithClient(&fakeSES{err: errors.New("throttled")}, "from@x.dev", zap.NewNop())
	_, err := s.Send(context.Background(), &Message{To: "a@b.org", Subject: "s", Body: "b"})
	assert.ErrorContains(t, err, "throttled")
}

func TestSuppressionGuard(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.UpsertSuppression(ctx, "blocked@school.org", "hard_bounce", time.Now()))

	next := &countingSender{}
	guard := NewSuppressionGuard(next, store, zap.NewNop())

	_, err := guard.Send(ctx, &Message{To: "blocked@school.org"})
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Equal(t, 0, next.calls)

	res, err := guard.Send(ctx, &Message{To: "open@school.org"})
	require.NoError(t, err)
	assert.Equal(t, "<id@test>", res.ProviderMessageID)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, "counting", guard.Name())
}

func TestLogSender(t *testing.T) {
	res, err := NewLogSender(zap.NewNop()).Send(context.Background(), &Message{To: "a@b.org"})
	require.NoError(t, err)
	assert.Equal(t, ProviderLog, res.Provider)
	assert.Contains(t, res.ProviderMessageID, "@mailcore.local>")
}
