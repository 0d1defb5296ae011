// Package reply correlates inbound replies with the sends they answer,
// classifies them, and pauses a lead's automation when a person answered.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/metrics"
)

// EventTypeReply is the audit event type of ProcessReply traces.
const EventTypeReply = "reply_processing"

// Actions reported in Result.Action.
const (
	ActionDeduplicated = "deduplicated"
	ActionProcessed    = "processed"
)

// How the thread of a reply was found.
const (
	ThreadByInReplyTo  = "in_reply_to"
	ThreadByReferences = "references"
	ThreadCreated      = "new_thread"
)

// Event is one inbound reply.
type Event struct {
	Provider          string          `json:"provider"`
	ProviderMessageID string          `json:"providerMessageId"`
	InReplyTo         string          `json:"inReplyTo"`
	ReferencesHeader  string          `json:"referencesHeader"`
	ReplyFromEmail    string          `json:"replyFromEmail"`
	ReplyToEmail      string          `json:"replyToEmail"`
	Subject           string          `json:"subject"`
	Body              string          `json:"body"`
	ReplyTimestamp    time.Time       `json:"replyTimestamp"`
	RawPayload        json.RawMessage `json:"rawPayload,omitempty"`
}

// Result is returned by ProcessReply.
type Result struct {
	Success           bool            `json:"success"`
	Action            string          `json:"action"`
	ReplyID           uuid.UUID       `json:"reply_id"`
	ThreadID          uuid.UUID       `json:"thread_id"`
	LeadID            *uuid.UUID      `json:"lead_id,omitempty"`
	ThreadResolution  string          `json:"thread_resolution,omitempty"`
	Classification    *Classification `json:"classification,omitempty"`
	AutomationPaused  bool            `json:"automation_paused"`
	PausedSequenceIDs []uuid.UUID     `json:"paused_sequence_ids"`
	OccurrenceCount   int             `json:"occurrence_count"`
	TraceID           uuid.UUID       `json:"trace_id"`
}

// Store is the persistence the detector needs.
type Store interface {
	IncrementReplyOccurrence(ctx context.Context, providerMessageID string) (*db.Reply, error)
	InsertReply(ctx context.Context, reply *db.Reply) (bool, error)
	MarkReplyAutomationPaused(ctx context.Context, id uuid.UUID) error

	FindThreadByMessageID(ctx context.Context, messageID string) (*db.EmailThread, error)
	GetOrCreateThread(ctx context.Context, t *db.EmailThread) (*db.EmailThread, bool, error)
	TouchThread(ctx context.Context, id uuid.UUID, latestMessageID, participant string, at time.Time) error

	FindSendByMessageID(ctx context.Context, messageID string) (*db.EmailSendRecord, error)
	MarkSendStatus(ctx context.Context, id uuid.UUID, status string) (bool, error)
	SetSendThread(ctx context.Context, id, threadID uuid.UUID) error

	FindLeadByEmail(ctx context.Context, email string) (*db.Lead, error)
	PauseActiveSequences(ctx context.Context, leadID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error)
}

// Detector processes inbound replies.
type Detector struct {
	store  Store
	tracer audit.Tracer
	logger *zap.Logger
	now    func() time.Time
}

// NewDetector creates a reply detector.
func NewDetector(store Store, tracer audit.Tracer, logger *zap.Logger) *Detector {
	return &Detector{store: store, tracer: tracer, logger: logger, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Validate checks the fields processing cannot do without.
func (e Event) Validate() error {
	if NormalizeMessageID(e.ProviderMessageID) == "" {
		return lead.Required("providerMessageId")
	}
	return lead.Validate("replyFromEmail", e.ReplyFromEmail)
}

// ProcessReply stores ev on its thread and classifies it. A human reply
// pauses every active sequence of the lead. A message id seen before only
// increments the stored reply's occurrence counter.
func (d *Detector) ProcessReply(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	from := lead.Normalize(ev.ReplyFromEmail)

	traceID, err := d.tracer.StartTrace(ctx, EventTypeReply, audit.EntityRecipient, lead.Fingerprint(from), audit.StartOptions{
		Stage: "detect",
		Input: map[string]any{
			"provider":            ev.Provider,
			"provider_message_id": ev.ProviderMessageID,
			"in_reply_to":         ev.InReplyTo,
			"references":          ev.ReferencesHeader,
			"reply_from_email":    from,
			"subject":             ev.Subject,
		},
	})
	if err != nil {
		return nil, err
	}
	ctx = audit.ContextWithTrace(ctx, traceID)

	res, err := d.process(ctx, traceID, from, ev)
	if err != nil {
		if cerr := d.tracer.CompleteTrace(ctx, traceID, db.TraceStatusFailure, nil, err); cerr != nil {
			d.logger.Warn("reply trace not completed", zap.String("trace_id", traceID.String()), zap.Error(cerr))
		}
		d.logger.Error("reply processing failed",
			zap.String("provider_message_id", ev.ProviderMessageID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := d.tracer.CompleteTrace(ctx, traceID, db.TraceStatusSuccess, res, nil); err != nil {
		return nil, err
	}

	label := "duplicate"
	if res.Classification != nil {
		label = res.Classification.Label()
	}
	metrics.RecordReply(label, res.Action)
	return res, nil
}

func (d *Detector) process(ctx context.Context, traceID uuid.UUID, from string, ev Event) (*Result, error) {
	messageID := NormalizeMessageID(ev.ProviderMessageID)

	existing, err := d.store.IncrementReplyOccurrence(ctx, messageID)
	switch {
	case err == nil:
		return d.duplicate(ctx, traceID, existing)
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("check duplicate reply: %w", err)
	}

	receivedAt := ev.ReplyTimestamp.UTC()
	if ev.ReplyTimestamp.IsZero() {
		receivedAt = d.now().UTC()
	}

	inReplyTo := NormalizeMessageID(ev.InReplyTo)
	refs := ParseReferences(ev.ReferencesHeader)

	thread, send, method, err := d.resolveThread(ctx, messageID, inReplyTo, refs, ev.Subject, receivedAt)
	if err != nil {
		return nil, err
	}
	if err := d.tracer.AddVerificationCheck(ctx, traceID, "thread", "Thread resolved", audit.CheckPassed, map[string]any{
		"thread_id": thread.ID.String(),
		"method":    method,
	}); err != nil {
		return nil, err
	}

	leadID, err := d.resolveLead(ctx, send, from)
	if err != nil {
		return nil, err
	}

	c := Classify(ev.Subject, ev.Body)
	if err := d.tracer.AddVerificationCheck(ctx, traceID, "classify", "Reply classified", audit.CheckPassed, map[string]any{
		"is_auto_reply":       c.IsAutoReply,
		"is_out_of_office":    c.IsOutOfOffice,
		"is_vacation_message": c.IsVacationMessage,
		"is_human_reply":      c.IsHumanReply,
		"body_length":         c.BodyLength,
	}); err != nil {
		return nil, err
	}

	original := inReplyTo
	if original == "" && len(refs) > 0 {
		original = refs[0]
	}
	if original == "" {
		original = thread.OriginalMessageID
	}

	r := &db.Reply{
		ID:                uuid.New(),
		ThreadID:          thread.ID,
		LeadID:            leadID,
		Provider:          ev.Provider,
		ProviderMessageID: messageID,
		InReplyTo:         inReplyTo,
		OriginalMessageID: original,
		FromEmail:         from,
		ToEmail:           lead.Normalize(ev.ReplyToEmail),
		Subject:           ev.Subject,
		Body:              ev.Body,
		IsAutoReply:       c.IsAutoReply,
		IsOutOfOffice:     c.IsOutOfOffice,
		IsVacationMessage: c.IsVacationMessage,
		IsHumanReply:      c.IsHumanReply,
		OccurrenceCount:   1,
		RawPayload:        ev.RawPayload,
		ReceivedAt:        receivedAt,
	}
	if send != nil {
		r.EmailSendID = &send.ID
	}

	inserted, err := d.store.InsertReply(ctx, r)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost the race against a concurrent delivery of the same message.
		return d.duplicate(ctx, traceID, r)
	}

	if err := d.store.TouchThread(ctx, thread.ID, messageID, from, receivedAt); err != nil {
		return nil, err
	}
	if send != nil {
		changed, err := d.store.MarkSendStatus(ctx, send.ID, db.SendStatusReplied)
		if err != nil {
			return nil, fmt.Errorf("mark send replied: %w", err)
		}
		status := audit.CheckPassed
		if !changed {
			status = audit.CheckSkipped
		}
		if err := d.tracer.AddVerificationCheck(ctx, traceID, "send_status", "Send marked replied", status, map[string]any{
			"email_send_id": send.ID.String(),
		}); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Success:           true,
		Action:            ActionProcessed,
		ReplyID:           r.ID,
		ThreadID:          thread.ID,
		LeadID:            leadID,
		ThreadResolution:  method,
		Classification:    &c,
		PausedSequenceIDs: []uuid.UUID{},
		OccurrenceCount:   r.OccurrenceCount,
		TraceID:           traceID,
	}

	if c.IsHumanReply {
		if err := d.pauseAutomation(ctx, traceID, r.ID, leadID, res); err != nil {
			return nil, err
		}
	}

	d.logger.Info("reply processed",
		zap.String("reply_id", r.ID.String()),
		zap.String("thread_id", thread.ID.String()),
		zap.String("classification", c.Label()),
		zap.Bool("automation_paused", res.AutomationPaused),
	)
	return res, nil
}

func (d *Detector) duplicate(ctx context.Context, traceID uuid.UUID, existing *db.Reply) (*Result, error) {
	if err := d.tracer.AddVerificationCheck(ctx, traceID, "dedup", "Duplicate reply", audit.CheckSkipped, map[string]any{
		"reply_id":         existing.ID.String(),
		"occurrence_count": existing.OccurrenceCount,
	}); err != nil {
		return nil, err
	}
	return &Result{
		Success:           true,
		Action:            ActionDeduplicated,
		ReplyID:           existing.ID,
		ThreadID:          existing.ThreadID,
		LeadID:            existing.LeadID,
		AutomationPaused:  existing.AutomationPaused,
		PausedSequenceIDs: []uuid.UUID{},
		OccurrenceCount:   existing.OccurrenceCount,
		TraceID:           traceID,
	}, nil
}

// match looks a message id up as a known thread message and as a send.
func (d *Detector) match(ctx context.Context, messageID string) (*db.EmailThread, *db.EmailSendRecord, error) {
	thread, err := d.store.FindThreadByMessageID(ctx, messageID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("find thread: %w", err)
	}
	send, err := d.store.FindSendByMessageID(ctx, messageID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("find send: %w", err)
	}
	return thread, send, nil
}

// resolveThread finds the reply's thread via In-Reply-To, then the
// References chain oldest first, and otherwise opens a new thread keyed by
// the reply's own message id.
func (d *Detector) resolveThread(ctx context.Context, messageID, inReplyTo string, refs []string, subject string, at time.Time) (*db.EmailThread, *db.EmailSendRecord, string, error) {
	type candidate struct {
		id     string
		method string
	}
	var candidates []candidate
	if inReplyTo != "" {
		candidates = append(candidates, candidate{inReplyTo, ThreadByInReplyTo})
	}
	for _, ref := range refs {
		candidates = append(candidates, candidate{ref, ThreadByReferences})
	}

	for _, c := range candidates {
		thread, send, err := d.match(ctx, c.id)
		if err != nil {
			return nil, nil, "", err
		}
		if thread == nil && send == nil {
			continue
		}
		if thread == nil {
			thread, err = d.threadForSend(ctx, send, subject)
			if err != nil {
				return nil, nil, "", err
			}
		}
		return thread, send, c.method, nil
	}

	thread, _, err := d.store.GetOrCreateThread(ctx, &db.EmailThread{
		ID:                uuid.New(),
		OriginalMessageID: messageID,
		LatestMessageID:   messageID,
		Subject:           subject,
		ParticipantEmails: []string{},
		LastActivityAt:    at,
	})
	if err != nil {
		return nil, nil, "", err
	}
	return thread, nil, ThreadCreated, nil
}

// threadForSend opens the thread rooted at a send that has none yet.
func (d *Detector) threadForSend(ctx context.Context, send *db.EmailSendRecord, subject string) (*db.EmailThread, error) {
	root := *send.ProviderMessageID
	at := d.now().UTC()
	if send.SentAt != nil {
		at = *send.SentAt
	}
	thread, _, err := d.store.GetOrCreateThread(ctx, &db.EmailThread{
		ID:                uuid.New(),
		LeadID:            send.LeadID,
		OriginalMessageID: root,
		LatestMessageID:   root,
		Subject:           subject,
		ParticipantEmails: []string{lead.Normalize(send.ToEmail)},
		MessageCount:      1,
		LastActivityAt:    at,
	})
	if err != nil {
		return nil, err
	}
	if err := d.store.SetSendThread(ctx, send.ID, thread.ID); err != nil {
		return nil, err
	}
	return thread, nil
}

func (d *Detector) resolveLead(ctx context.Context, send *db.EmailSendRecord, from string) (*uuid.UUID, error) {
	if send != nil && send.LeadID != nil {
		return send.LeadID, nil
	}
	l, err := d.store.FindLeadByEmail(ctx, from)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find lead: %w", err)
	}
	return &l.ID, nil
}

func (d *Detector) pauseAutomation(ctx context.Context, traceID, replyID uuid.UUID, leadID *uuid.UUID, res *Result) error {
	if leadID == nil {
		return d.tracer.AddVerificationCheck(ctx, traceID, "pause", "No lead to pause", audit.CheckSkipped, nil)
	}

	paused, err := d.store.PauseActiveSequences(ctx, *leadID, db.PauseReasonReplyReceived, d.now().UTC())
	if err != nil {
		return err
	}
	if err := d.store.MarkReplyAutomationPaused(ctx, replyID); err != nil {
		return err
	}

	res.AutomationPaused = true
	res.PausedSequenceIDs = append(res.PausedSequenceIDs, paused...)
	metrics.RecordSequencesPaused(db.PauseReasonReplyReceived, len(paused))

	ids := make([]string, len(paused))
	for i, id := range paused {
		ids[i] = id.String()
	}
	if err := d.tracer.AddVerificationCheck(ctx, traceID, "pause", "Active sequences paused", audit.CheckPassed, map[string]any{
		"lead_id":      leadID.String(),
		"sequence_ids": ids,
	}); err != nil {
		return err
	}
	d.tracer.LogEvent(ctx, "automation_paused", audit.EntityLead, leadID.String(), map[string]any{
		"reason":   db.PauseReasonReplyReceived,
		"reply_id": replyID.String(),
		"count":    len(paused),
	})
	return nil
}
