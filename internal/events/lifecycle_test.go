package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/bounce"
	"github.com/lalithlochan/mailcore/internal/reply"
	"github.com/lalithlochan/mailcore/internal/segment"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestLifecycle_Bounce(t *testing.T) {
	rec := &recorder{}
	l := NewLifecycle(rec, zap.NewNop())
	ctx := context.Background()
	leadID := uuid.New()
	ev := bounce.Event{RecipientEmail: "Jane@School.org", LeadID: &leadID}

	l.BounceProcessed(ctx, ev, &bounce.Result{Action: bounce.ActionRetryScheduled})
	assert.Empty(t, rec.events)

	l.BounceProcessed(ctx, ev, &bounce.Result{Action: bounce.ActionSuppressed, BounceID: uuid.New(), TraceID: uuid.New()})
	require.Len(t, rec.events, 1)
	e := rec.events[0]
	assert.Equal(t, TypeEmailSuppressed, e.Type)
	assert.Equal(t, leadID.String(), e.LeadID)
	assert.Equal(t, "school.org", e.Data["recipient_domain"])
	assert.NotContains(t, e.Data, "recipient_email")
}

func TestLifecycle_Reply(t *testing.T) {
	rec := &recorder{}
	l := NewLifecycle(rec, zap.NewNop())

	l.ReplyProcessed(context.Background(), &reply.Result{AutomationPaused: false})
	assert.Empty(t, rec.events)

	seq := uuid.New()
	l.ReplyProcessed(context.Background(), &reply.Result{AutomationPaused: true, PausedSequenceIDs: []uuid.UUID{seq}})
	require.Len(t, rec.events, 1)
	assert.Equal(t, TypeAutomationPaused, rec.events[0].Type)
	assert.Equal(t, []string{seq.String()}, rec.events[0].Data["paused_sequence_ids"])
}

func TestLifecycle_Reconciled(t *testing.T) {
	rec := &recorder{err: errors.New("sns down")}
	l := NewLifecycle(rec, zap.NewNop())

	l.Reconciled(context.Background(), &segment.Result{Action: segment.ActionNoConflicts})
	assert.Empty(t, rec.events)

	// publish errors are swallowed
	l.Reconciled(context.Background(), &segment.Result{Action: segment.ActionReconciled, PrimarySegment: "ngo", Campaign: "ngo_outreach"})
	require.Len(t, rec.events, 1)
	assert.Equal(t, "ngo_outreach", rec.events[0].Data["campaign"])
}

func TestLifecycle_NilPublisher(t *testing.T) {
	l := NewLifecycle(nil, zap.NewNop())
	l.ReplyProcessed(context.Background(), &reply.Result{AutomationPaused: true})
}
