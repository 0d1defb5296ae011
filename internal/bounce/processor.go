// Package bounce classifies delivery failures reported by providers,
// suppresses permanently failing addresses and marks retryable bounces for
// the retry scheduler.
package bounce

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
	"github.com/lalithlochan/mailcore/internal/suppression"
)

// EventTypeBounce is the audit event type of ProcessBounce traces.
const EventTypeBounce = "bounce_processing"

// Actions reported in Result.Action.
const (
	ActionDeduplicated   = "deduplicated"
	ActionSuppressed     = "suppressed"
	ActionRetryScheduled = "retry_scheduled"
	// ActionRetriesExhausted ends a retry chain that reached max_retries.
	ActionRetriesExhausted = "retries_exhausted"
	ActionRecorded         = "recorded"
)

// Event is one bounce notification from a provider.
type Event struct {
	Provider          string          `json:"provider"`
	ProviderMessageID string          `json:"providerMessageId"`
	RecipientEmail    string          `json:"recipientEmail"`
	BounceReason      string          `json:"bounceReason"`
	BounceCode        Code            `json:"bounceCode"`
	RawPayload        json.RawMessage `json:"rawPayload,omitempty"`
	EmailLogID        *uuid.UUID      `json:"emailLogId,omitempty"`
	LeadID            *uuid.UUID      `json:"leadId,omitempty"`
}

// Code is the provider's bounce code. It arrives as a JSON string ("550",
// "5.1.1") or as a bare number (550).
type Code string

// UnmarshalJSON accepts a string, a number or null.
func (c *Code) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("bounce code must be a string or number: %w", err)
	}
	*c = Code(n.String())
	return nil
}

// Result is returned by ProcessBounce.
type Result struct {
	Success      bool       `json:"success"`
	Action       string     `json:"action"`
	BounceID     uuid.UUID  `json:"bounce_id"`
	BounceType   Type       `json:"bounce_type"`
	Category     string     `json:"category"`
	Subcategory  string     `json:"subcategory"`
	Severity     string     `json:"severity"`
	RetryCount   int        `json:"retry_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	IsSuppressed bool       `json:"is_suppressed"`
	TraceID      uuid.UUID  `json:"trace_id"`
}

// Store is the persistence the processor needs.
type Store interface {
	InsertOrIncrementBounce(ctx context.Context, b *db.Bounce) (bool, error)
	ScheduleBounceRetry(ctx context.Context, id uuid.UUID, maxRetries int, nextRetryAt time.Time) error
	MarkBounceSuppressed(ctx context.Context, id uuid.UUID) error
	MarkSendStatus(ctx context.Context, id uuid.UUID, status string) (bool, error)
	GetSend(ctx context.Context, id uuid.UUID) (*db.EmailSendRecord, error)
	GetBounce(ctx context.Context, id uuid.UUID) (*db.Bounce, error)
}

// Suppressor writes suppression entries.
type Suppressor interface {
	Suppress(ctx context.Context, email, reason string) (*db.SuppressionEntry, error)
	SuppressDomain(ctx context.Context, domain string) (*db.DomainSuppression, error)
}

// Processor handles bounce events. It is safe for concurrent use; duplicate
// events for the same key are collapsed by the store.
type Processor struct {
	store      Store
	suppressor Suppressor
	tracer     audit.Tracer
	logger     *zap.Logger
	now        func() time.Time
}

// NewProcessor creates a bounce processor.
func NewProcessor(store Store, suppressor Suppressor, tracer audit.Tracer, logger *zap.Logger) *Processor {
	return &Processor{
		store:      store,
		suppressor: suppressor,
		tracer:     tracer,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Validate checks the fields processing cannot do without.
func (e Event) Validate() error {
	if e.ProviderMessageID == "" {
		return lead.Required("providerMessageId")
	}
	return lead.Validate("recipientEmail", e.RecipientEmail)
}

// ProcessBounce classifies ev and applies its consequences. A repeated
// (provider message id, recipient) pair only increments retry_count on the
// stored bounce and reports ActionDeduplicated.
func (p *Processor) ProcessBounce(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	email := lead.Normalize(ev.RecipientEmail)

	traceID, err := p.tracer.StartTrace(ctx, EventTypeBounce, audit.EntityRecipient, lead.Fingerprint(email), audit.StartOptions{
		Stage: "classify",
		Input: map[string]any{
			"provider":            ev.Provider,
			"provider_message_id": ev.ProviderMessageID,
			"recipient_email":     email,
			"bounce_reason":       ev.BounceReason,
			"bounce_code":         string(ev.BounceCode),
		},
	})
	if err != nil {
		return nil, err
	}
	ctx = audit.ContextWithTrace(ctx, traceID)

	res, err := p.process(ctx, traceID, email, ev)
	if err != nil {
		if cerr := p.tracer.CompleteTrace(ctx, traceID, db.TraceStatusFailure, nil, err); cerr != nil {
			p.logger.Warn("bounce trace not completed", zap.String("trace_id", traceID.String()), zap.Error(cerr))
		}
		p.logger.Error("bounce processing failed",
			zap.String("provider_message_id", ev.ProviderMessageID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := p.tracer.CompleteTrace(ctx, traceID, db.TraceStatusSuccess, res, nil); err != nil {
		return nil, err
	}
	metrics.RecordBounce(string(res.BounceType), res.Action)
	return res, nil
}

func (p *Processor) process(ctx context.Context, traceID uuid.UUID, email string, ev Event) (*Result, error) {
	c := Classify(ev.BounceReason, string(ev.BounceCode))

	b := &db.Bounce{
		ID:                uuid.New(),
		EmailSendID:       ev.EmailLogID,
		LeadID:            ev.LeadID,
		Provider:          ev.Provider,
		ProviderMessageID: ev.ProviderMessageID,
		RecipientEmail:    email,
		BounceType:        string(c.Type),
		Category:          c.Category,
		Subcategory:       c.Subcategory,
		Severity:          c.Severity,
		Reason:            ev.BounceReason,
		Code:              string(ev.BounceCode),
		RawPayload:        ev.RawPayload,
		MaxRetries:        MaxRetries(c.Type),
	}
	prior, err := p.priorBounce(ctx, ev.EmailLogID, email)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		b.RetryCount = prior.RetryCount + 1
	}
	inserted, err := p.store.InsertOrIncrementBounce(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("store bounce: %w", err)
	}

	res := &Result{
		Success:      true,
		BounceID:     b.ID,
		BounceType:   Type(b.BounceType),
		Category:     b.Category,
		Subcategory:  b.Subcategory,
		Severity:     b.Severity,
		RetryCount:   b.RetryCount,
		NextRetryAt:  b.NextRetryAt,
		IsSuppressed: b.IsSuppressed,
		TraceID:      traceID,
	}

	if !inserted {
		// Stored classification stands; the new event is not re-classified.
		if err := p.tracer.AddVerificationCheck(ctx, traceID, "dedup", "Duplicate bounce", audit.CheckSkipped, map[string]any{
			"bounce_id":   b.ID.String(),
			"retry_count": b.RetryCount,
		}); err != nil {
			return nil, err
		}
		res.Action = ActionDeduplicated
		return res, nil
	}

	if err := p.tracer.AddVerificationCheck(ctx, traceID, "classify", "Bounce classified", audit.CheckPassed, map[string]any{
		"type":        c.Type,
		"category":    c.Category,
		"subcategory": c.Subcategory,
		"severity":    c.Severity,
	}); err != nil {
		return nil, err
	}

	if ev.EmailLogID != nil {
		changed, err := p.store.MarkSendStatus(ctx, *ev.EmailLogID, db.SendStatusBounced)
		if err != nil {
			return nil, fmt.Errorf("mark send bounced: %w", err)
		}
		status := audit.CheckPassed
		if !changed {
			status = audit.CheckSkipped
		}
		if err := p.tracer.AddVerificationCheck(ctx, traceID, "send_status", "Send marked bounced", status, map[string]any{
			"email_send_id": ev.EmailLogID.String(),
		}); err != nil {
			return nil, err
		}
	}

	switch c.Type {
	case TypeHard:
		if err := p.suppress(ctx, traceID, b); err != nil {
			return nil, err
		}
		res.Action = ActionSuppressed
		res.IsSuppressed = true
		res.NextRetryAt = nil

	case TypeSoft, TypeTransient:
		if b.RetryCount >= b.MaxRetries {
			if err := p.tracer.AddVerificationCheck(ctx, traceID, "schedule_retry", "Retries exhausted", audit.CheckSkipped, map[string]any{
				"retry_count": b.RetryCount,
				"max_retries": b.MaxRetries,
			}); err != nil {
				return nil, err
			}
			res.Action = ActionRetriesExhausted
			break
		}
		next := p.now().UTC().Add(RetryDelay(b.RetryCount))
		if err := p.store.ScheduleBounceRetry(ctx, b.ID, b.MaxRetries, next); err != nil {
			return nil, fmt.Errorf("schedule bounce retry: %w", err)
		}
		if err := p.tracer.AddVerificationCheck(ctx, traceID, "schedule_retry", "Retry scheduled", audit.CheckPassed, map[string]any{
			"next_retry_at": next,
			"retry_count":   b.RetryCount,
			"max_retries":   b.MaxRetries,
		}); err != nil {
			return nil, err
		}
		res.Action = ActionRetryScheduled
		res.NextRetryAt = &next

	default:
		if err := p.tracer.AddVerificationCheck(ctx, traceID, "route", "No action for unknown bounce", audit.CheckSkipped, nil); err != nil {
			return nil, err
		}
		res.Action = ActionRecorded
	}

	p.logger.Info("bounce processed",
		zap.String("bounce_id", b.ID.String()),
		zap.String("type", string(c.Type)),
		zap.String("category", c.Category),
		zap.String("action", res.Action),
	)
	return res, nil
}

// priorBounce returns the bounce whose retry produced the bounced send, so a
// retry chain keeps counting across the new provider message ids.
func (p *Processor) priorBounce(ctx context.Context, sendID *uuid.UUID, email string) (*db.Bounce, error) {
	if sendID == nil {
		return nil, nil
	}
	send, err := p.store.GetSend(ctx, *sendID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bounced send: %w", err)
	}
	if send.RetryOfBounceID == nil {
		return nil, nil
	}
	prior, err := p.store.GetBounce(ctx, *send.RetryOfBounceID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load prior bounce: %w", err)
	}
	if prior.RecipientEmail != email {
		return nil, nil
	}
	return prior, nil
}

func (p *Processor) suppress(ctx context.Context, traceID uuid.UUID, b *db.Bounce) error {
	if _, err := p.suppressor.Suppress(ctx, b.RecipientEmail, suppression.ReasonHardBounce); err != nil {
		return err
	}
	domain := lead.Domain(b.RecipientEmail)
	d, err := p.suppressor.SuppressDomain(ctx, domain)
	if err != nil {
		return err
	}
	if err := p.store.MarkBounceSuppressed(ctx, b.ID); err != nil {
		return fmt.Errorf("mark bounce suppressed: %w", err)
	}

	if err := p.tracer.AddVerificationCheck(ctx, traceID, "suppress", "Recipient suppressed", audit.CheckPassed, map[string]any{
		"reason":              suppression.ReasonHardBounce,
		"domain":              domain,
		"domain_bounce_count": d.BounceCount,
	}); err != nil {
		return err
	}
	p.tracer.LogEvent(ctx, "email_suppressed", audit.EntityRecipient, lead.Fingerprint(b.RecipientEmail), map[string]any{
		"reason":    suppression.ReasonHardBounce,
		"bounce_id": b.ID.String(),
	})
	return nil
}
