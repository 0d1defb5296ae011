package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// Lead is the canonical identity of a contact.
type Lead struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Fingerprint  string     `json:"fingerprint"`
	LeadType     string     `json:"lead_type,omitempty"`
	Status       string     `json:"status"`
	AnonymizedAt *time.Time `json:"anonymized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Lead status constants
const (
	LeadStatusNew        = "new"
	LeadStatusEnriched   = "enriched"
	LeadStatusContacted  = "contacted"
	LeadStatusConverted  = "converted"
	LeadStatusSuppressed = "suppressed"
)

// EmailSendRecord is one attempted send.
type EmailSendRecord struct {
	ID                uuid.UUID       `json:"id"`
	LeadID            *uuid.UUID      `json:"lead_id,omitempty"`
	SequenceID        *uuid.UUID      `json:"sequence_id,omitempty"`
	StepNumber        int             `json:"step_number"`
	Provider          string          `json:"provider"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	ToEmail           string          `json:"to_email"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Status            string          `json:"status"`
	Attempt           int             `json:"attempt"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	NextAttemptAt     *time.Time      `json:"next_attempt_at,omitempty"`
	ThreadID          *uuid.UUID      `json:"thread_id,omitempty"`
	RetryOfBounceID   *uuid.UUID      `json:"retry_of_bounce_id,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Send status constants
const (
	SendStatusQueued  = "queued"
	SendStatusSent    = "sent"
	SendStatusOpened  = "opened"
	SendStatusClicked = "clicked"
	SendStatusBounced = "bounced"
	SendStatusReplied = "replied"
	SendStatusFailed  = "failed"
)

// IsTerminalSendStatus reports whether a send record may no longer change status.
func IsTerminalSendStatus(status string) bool {
	return status == SendStatusBounced || status == SendStatusReplied
}

// Bounce is one unique (provider_message_id, recipient_email) bounce occurrence.
type Bounce struct {
	ID                uuid.UUID       `json:"id"`
	EmailSendID       *uuid.UUID      `json:"email_send_id,omitempty"`
	LeadID            *uuid.UUID      `json:"lead_id,omitempty"`
	Provider          string          `json:"provider"`
	ProviderMessageID string          `json:"provider_message_id"`
	RecipientEmail    string          `json:"recipient_email"`
	BounceType        string          `json:"bounce_type"`
	Category          string          `json:"category"`
	Subcategory       string          `json:"subcategory"`
	Severity          string          `json:"severity"`
	Reason            string          `json:"reason"`
	Code              string          `json:"code"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	IsSuppressed      bool            `json:"is_suppressed"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SuppressionEntry blocks every future send to Email.
type SuppressionEntry struct {
	Email        string    `json:"email"`
	Reason       string    `json:"reason"`
	SuppressedAt time.Time `json:"suppressed_at"`
}

// DomainSuppression accumulates bounce counts per domain. Informational only.
type DomainSuppression struct {
	Domain       string    `json:"domain"`
	BounceCount  int       `json:"bounce_count"`
	LastBounceAt time.Time `json:"last_bounce_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// EmailThread groups a send and its replies by conversation.
type EmailThread struct {
	ID                uuid.UUID  `json:"id"`
	LeadID            *uuid.UUID `json:"lead_id,omitempty"`
	OriginalMessageID string     `json:"original_message_id"`
	LatestMessageID   string     `json:"latest_message_id"`
	Subject           string     `json:"subject"`
	ParticipantEmails []string   `json:"participant_emails"`
	MessageCount      int        `json:"message_count"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Reply is one inbound reply message.
type Reply struct {
	ID                uuid.UUID       `json:"id"`
	ThreadID          uuid.UUID       `json:"thread_id"`
	LeadID            *uuid.UUID      `json:"lead_id,omitempty"`
	EmailSendID       *uuid.UUID      `json:"email_send_id,omitempty"`
	Provider          string          `json:"provider"`
	ProviderMessageID string          `json:"provider_message_id"`
	InReplyTo         string          `json:"in_reply_to,omitempty"`
	OriginalMessageID string          `json:"original_message_id,omitempty"`
	FromEmail         string          `json:"from_email"`
	ToEmail           string          `json:"to_email"`
	Subject           string          `json:"subject"`
	Body              string          `json:"body"`
	IsAutoReply       bool            `json:"is_auto_reply"`
	IsOutOfOffice     bool            `json:"is_out_of_office"`
	IsVacationMessage bool            `json:"is_vacation_message"`
	IsHumanReply      bool            `json:"is_human_reply"`
	AutomationPaused  bool            `json:"automation_paused"`
	OccurrenceCount   int             `json:"occurrence_count"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

// LeadSequence is a lead's enrolment in a drip sequence.
type LeadSequence struct {
	ID           uuid.UUID  `json:"id"`
	LeadID       uuid.UUID  `json:"lead_id"`
	SequenceID   uuid.UUID  `json:"sequence_id"`
	SequenceType string     `json:"sequence_type"`
	Status       string     `json:"status"`
	PauseReason  *string    `json:"pause_reason,omitempty"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Sequence status constants
const (
	SequenceStatusActive    = "active"
	SequenceStatusPaused    = "paused"
	SequenceStatusCompleted = "completed"
)

// Pause reasons
const (
	PauseReasonReplyReceived         = "reply_received"
	PauseReasonSegmentReconciliation = "segment_reconciliation"
)

// LeadSegment is a categorical tag on a lead.
type LeadSegment struct {
	ID              uuid.UUID `json:"id"`
	LeadID          uuid.UUID `json:"lead_id"`
	SegmentName     string    `json:"segment_name"`
	IsPrimary       bool      `json:"is_primary"`
	ConfidenceScore float64   `json:"confidence_score"`
	IsActive        bool      `json:"is_active"`
	AssignedAt      time.Time `json:"assigned_at"`
}

// SegmentConflict records one detected and resolved conflict.
type SegmentConflict struct {
	ID                    uuid.UUID   `json:"id"`
	LeadID                uuid.UUID   `json:"lead_id"`
	ConflictType          string      `json:"conflict_type"`
	Severity              string      `json:"severity"`
	ConflictingSegmentIDs []uuid.UUID `json:"conflicting_segment_ids"`
	ResolutionMethod      string      `json:"resolution_method"`
	ResolvedSegmentID     uuid.UUID   `json:"resolved_segment_id"`
	Confidence            float64     `json:"confidence"`
	CreatedAt             time.Time   `json:"created_at"`
}

// VerificationCheck is one checkpoint appended to a trace.
type VerificationCheck struct {
	CheckID   string         `json:"check_id"`
	CheckName string         `json:"check_name"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// AuditTrace is one persisted trace row. A trace has a 'start' row written
// when it begins and a 'complete' row written when it finishes.
type AuditTrace struct {
	ID                 uuid.UUID           `json:"id"`
	TraceID            uuid.UUID           `json:"trace_id"`
	ParentTraceID      *uuid.UUID          `json:"parent_trace_id,omitempty"`
	EventType          string              `json:"event_type"`
	EntityType         string              `json:"entity_type"`
	EntityID           *string             `json:"entity_id"`
	Actor              string              `json:"actor"`
	Action             string              `json:"action"`
	Stage              string              `json:"stage"`
	Status             string              `json:"status"`
	InputData          json.RawMessage     `json:"input_data,omitempty"`
	OutputData         json.RawMessage     `json:"output_data,omitempty"`
	VerificationChecks []VerificationCheck `json:"verification_checks"`
	ErrorMessage       *string             `json:"error_message,omitempty"`
	DurationMS         *int64              `json:"duration_ms,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

// Trace row actions
const (
	TraceActionStart    = "start"
	TraceActionComplete = "complete"
)

// Trace statuses
const (
	TraceStatusPending = "pending"
	TraceStatusSuccess = "success"
	TraceStatusFailure = "failure"
)
