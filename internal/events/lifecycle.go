package events

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/bounce"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/reply"
	"github.com/lalithlochan/mailcore/internal/segment"
)

// Lifecycle turns core results into events. Publish failures are logged;
// the core operation has already committed.
type Lifecycle struct {
	pub    Publisher
	logger *zap.Logger
}

// NewLifecycle creates a notifier on pub. A nil pub drops events.
func NewLifecycle(pub Publisher, logger *zap.Logger) *Lifecycle {
	if pub == nil {
		pub = Nop{}
	}
	return &Lifecycle{pub: pub, logger: logger}
}

func (l *Lifecycle) publish(ctx context.Context, e Event) {
	if err := l.pub.Publish(ctx, e); err != nil {
		l.logger.Warn("lifecycle event not published",
			zap.String("event_type", e.Type),
			zap.String("trace_id", e.TraceID),
			zap.Error(err),
		)
	}
}

func leadString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// BounceProcessed emits email.suppressed for a hard bounce.
func (l *Lifecycle) BounceProcessed(ctx context.Context, ev bounce.Event, res *bounce.Result) {
	if res == nil || res.Action != bounce.ActionSuppressed {
		return
	}
	e := New(TypeEmailSuppressed, map[string]any{
		"recipient_fingerprint": lead.Fingerprint(ev.RecipientEmail),
		"recipient_domain":      lead.Domain(ev.RecipientEmail),
		"reason":                "hard_bounce",
		"bounce_id":             res.BounceID.String(),
		"category":              res.Category,
	})
	e.LeadID = leadString(ev.LeadID)
	e.TraceID = res.TraceID.String()
	l.publish(ctx, e)
}

// ReplyProcessed emits automation.paused when a human reply paused
// sequences.
func (l *Lifecycle) ReplyProcessed(ctx context.Context, res *reply.Result) {
	if res == nil || !res.AutomationPaused {
		return
	}
	e := New(TypeAutomationPaused, map[string]any{
		"reason":              "reply_received",
		"reply_id":            res.ReplyID.String(),
		"thread_id":           res.ThreadID.String(),
		"paused_sequence_ids": uuidStrings(res.PausedSequenceIDs),
	})
	e.LeadID = leadString(res.LeadID)
	e.TraceID = res.TraceID.String()
	l.publish(ctx, e)
}

// Reconciled emits segment.reconciled when conflicts were resolved.
func (l *Lifecycle) Reconciled(ctx context.Context, res *segment.Result) {
	if res == nil || res.Action != segment.ActionReconciled {
		return
	}
	e := New(TypeSegmentReconciled, map[string]any{
		"primary_segment":     res.PrimarySegment,
		"campaign":            res.Campaign,
		"conflicts":           len(res.Conflicts),
		"paused_sequence_ids": uuidStrings(res.PausedSequenceIDs),
	})
	e.LeadID = res.LeadID.String()
	e.TraceID = res.TraceID.String()
	l.publish(ctx, e)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
