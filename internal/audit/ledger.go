// Package audit is the traceback ledger. Every state-changing operation of
// the core services opens one trace, appends verification checks to it, and
// completes it exactly once.
//
// A trace is persisted as two rows sharing a trace_id: a 'start' row with
// status pending, whose check list is rewritten as checks arrive, and a
// 'complete' row carrying the final checks, output, error and duration.
// Checks live in the in-process PendingStore between the two; they are lost
// if the process dies before completion, while both rows stay durable.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/metrics"
)

// ErrTraceNotFound is returned for a trace that was never started or has
// already completed.
var ErrTraceNotFound = errors.New("trace not found")

// Check statuses
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckSkipped = "skipped"
)

// DefaultActor is recorded when StartOptions.Actor is empty.
const DefaultActor = "system"

// Entity types traces are keyed by. Recipient traces use the address
// fingerprint as entity id so no raw address lands in entity_id.
const (
	EntityLead      = "lead"
	EntityRecipient = "recipient"
	EntitySend      = "email_send"
)

// Store is the persistence the ledger needs.
type Store interface {
	InsertTrace(ctx context.Context, t *db.AuditTrace) error
	UpdatePendingChecks(ctx context.Context, traceID uuid.UUID, checks []db.VerificationCheck) error
	ListTracesByEntity(ctx context.Context, entityType, entityID string) ([]*db.AuditTrace, error)
	ListTraceRows(ctx context.Context, traceID uuid.UUID) ([]*db.AuditTrace, error)
	EraseTraces(ctx context.Context, entityType, entityID string) (int64, error)
}

// Tracer is the part of the ledger the core services write through.
type Tracer interface {
	StartTrace(ctx context.Context, eventType, entityType, entityID string, opts StartOptions) (uuid.UUID, error)
	AddVerificationCheck(ctx context.Context, traceID uuid.UUID, checkID, checkName, status string, details map[string]any) error
	CompleteTrace(ctx context.Context, traceID uuid.UUID, status string, output any, cause error) error
	LogEvent(ctx context.Context, eventType, entityType, entityID string, data map[string]any)
}

// StartOptions are the optional attributes of a new trace.
type StartOptions struct {
	// ParentTraceID links the trace to the operation that caused it. When
	// nil the trace stored in ctx by ContextWithTrace is used, if any.
	ParentTraceID *uuid.UUID
	Actor         string
	Stage         string
	Input         any
	Metadata      map[string]any
}

// Ledger records traces. It is safe for concurrent use.
type Ledger struct {
	store    Store
	pending  *PendingStore
	logger   *zap.Logger
	now      func() time.Time
	maxDepth int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxDepth sets the default chain depth used by exports.
func WithMaxDepth(depth int) Option {
	return func(l *Ledger) {
		if depth > 0 {
			l.maxDepth = depth
		}
	}
}

// NewLedger creates a ledger over store. pending is owned by the ledger from
// then on; pass NewPendingStore().
func NewLedger(store Store, pending *PendingStore, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		pending:  pending,
		logger:   logger,
		now:      time.Now,
		maxDepth: 50,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// StartTrace opens a trace and persists its pending row.
func (l *Ledger) StartTrace(ctx context.Context, eventType, entityType, entityID string, opts StartOptions) (uuid.UUID, error) {
	input, err := marshalPayload(opts.Input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal trace input: %w", err)
	}

	parent := opts.ParentTraceID
	if parent == nil {
		if id, ok := TraceFromContext(ctx); ok {
			parent = &id
		}
	}
	actor := opts.Actor
	if actor == "" {
		actor = DefaultActor
	}

	var entity *string
	if entityID != "" {
		entity = &entityID
	}

	var metadata map[string]any
	if len(opts.Metadata) > 0 {
		metadata = make(map[string]any, len(opts.Metadata))
		for k, v := range opts.Metadata {
			metadata[k] = v
		}
	}

	started := l.now().UTC()
	row := db.AuditTrace{
		ID:                 uuid.New(),
		TraceID:            uuid.New(),
		ParentTraceID:      parent,
		EventType:          eventType,
		EntityType:         entityType,
		EntityID:           entity,
		Actor:              actor,
		Action:             db.TraceActionStart,
		Stage:              opts.Stage,
		Status:             db.TraceStatusPending,
		InputData:          input,
		VerificationChecks: []db.VerificationCheck{},
		Metadata:           metadata,
		CreatedAt:          started,
	}

	if err := l.store.InsertTrace(ctx, &row); err != nil {
		return uuid.Nil, fmt.Errorf("start trace: %w", err)
	}

	l.pending.put(&pendingTrace{row: row, startedAt: started})

	l.logger.Debug("trace started",
		zap.String("trace_id", row.TraceID.String()),
		zap.String("event_type", eventType),
		zap.String("entity_type", entityType),
	)
	return row.TraceID, nil
}

// AddVerificationCheck appends a check to a pending trace and rewrites the
// pending row's check list. Checks cannot be added once the trace completed.
func (l *Ledger) AddVerificationCheck(ctx context.Context, traceID uuid.UUID, checkID, checkName, status string, details map[string]any) error {
	check := db.VerificationCheck{
		CheckID:   checkID,
		CheckName: checkName,
		Status:    status,
		Details:   details,
		CheckedAt: l.now().UTC(),
	}

	checks, ok := l.pending.appendCheck(traceID, check)
	if !ok {
		return fmt.Errorf("add check %s to trace %s: %w", checkID, traceID, ErrTraceNotFound)
	}

	if err := l.store.UpdatePendingChecks(ctx, traceID, checks); err != nil {
		return fmt.Errorf("persist check %s: %w", checkID, err)
	}
	return nil
}

// CompleteTrace writes the completion row and evicts the trace. status must
// be db.TraceStatusSuccess or db.TraceStatusFailure.
func (l *Ledger) CompleteTrace(ctx context.Context, traceID uuid.UUID, status string, output any, cause error) error {
	if status != db.TraceStatusSuccess && status != db.TraceStatusFailure {
		return fmt.Errorf("complete trace %s: invalid status %q", traceID, status)
	}

	out, err := marshalPayload(output)
	if err != nil {
		return fmt.Errorf("marshal trace output: %w", err)
	}

	p, ok := l.pending.take(traceID)
	if !ok {
		return fmt.Errorf("complete trace %s: %w", traceID, ErrTraceNotFound)
	}

	completed := l.now().UTC()
	duration := completed.Sub(p.startedAt).Milliseconds()

	row := p.row
	row.ID = uuid.New()
	row.Action = db.TraceActionComplete
	row.Status = status
	row.OutputData = out
	row.VerificationChecks = p.checks
	if row.VerificationChecks == nil {
		row.VerificationChecks = []db.VerificationCheck{}
	}
	row.DurationMS = &duration
	row.CreatedAt = completed
	if cause != nil {
		msg := cause.Error()
		row.ErrorMessage = &msg
	}
	if p.erased {
		row.OutputData = nil
		row.ErrorMessage = nil
	}

	if err := l.store.InsertTrace(ctx, &row); err != nil {
		return fmt.Errorf("complete trace: %w", err)
	}

	metrics.RecordTraceCompleted(row.EventType, status)
	l.logger.Debug("trace completed",
		zap.String("trace_id", traceID.String()),
		zap.String("status", status),
		zap.Int64("duration_ms", duration),
		zap.Int("checks", len(row.VerificationChecks)),
	)
	return nil
}

// LogEvent writes a single side-channel audit row. Failures are logged and
// swallowed so a lost audit line never aborts the caller.
func (l *Ledger) LogEvent(ctx context.Context, eventType, entityType, entityID string, data map[string]any) {
	var entity *string
	if entityID != "" {
		entity = &entityID
	}

	row := db.AuditTrace{
		ID:                 uuid.New(),
		TraceID:            uuid.New(),
		EventType:          eventType,
		EntityType:         entityType,
		EntityID:           entity,
		Actor:              DefaultActor,
		Action:             "log",
		Status:             db.TraceStatusSuccess,
		VerificationChecks: []db.VerificationCheck{},
		CreatedAt:          l.now().UTC(),
	}
	if parent, ok := TraceFromContext(ctx); ok {
		row.ParentTraceID = &parent
	}
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			l.logger.Warn("audit event payload dropped", zap.String("event_type", eventType), zap.Error(err))
		} else {
			row.OutputData = b
		}
	}

	if err := l.store.InsertTrace(ctx, &row); err != nil {
		l.logger.Warn("audit event not recorded",
			zap.String("event_type", eventType),
			zap.String("entity_type", entityType),
			zap.Error(err),
		)
	}
}

// EraseAuditTrail anonymizes every trace row of the entity in place:
// entity_id and payloads are nulled and metadata.erased is set. It returns
// the number of rows erased. No row is deleted.
func (l *Ledger) EraseAuditTrail(ctx context.Context, entityType, entityID string) (int64, error) {
	if entityType == "" || entityID == "" {
		return 0, fmt.Errorf("erase audit trail: entity type and id are required")
	}

	l.pending.scrub(entityType, entityID)

	n, err := l.store.EraseTraces(ctx, entityType, entityID)
	if err != nil {
		return 0, fmt.Errorf("erase audit trail: %w", err)
	}

	l.logger.Info("audit trail erased",
		zap.String("entity_type", entityType),
		zap.Int64("rows", n),
	)
	return n, nil
}
