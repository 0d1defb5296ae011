package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const traceColumns = `
	id, trace_id, parent_trace_id, event_type, entity_type, entity_id, actor,
	action, stage, status, input_data, output_data, verification_checks,
	error_message, duration_ms, metadata, created_at`

func scanTrace(row rowScanner) (*AuditTrace, error) {
	var (
		t        AuditTrace
		checks   []byte
		metadata []byte
	)
	err := row.Scan(
		&t.ID,
		&t.TraceID,
		&t.ParentTraceID,
		&t.EventType,
		&t.EntityType,
		&t.EntityID,
		&t.Actor,
		&t.Action,
		&t.Stage,
		&t.Status,
		&t.InputData,
		&t.OutputData,
		&checks,
		&t.ErrorMessage,
		&t.DurationMS,
		&metadata,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(checks) > 0 {
		if err := json.Unmarshal(checks, &t.VerificationChecks); err != nil {
			return nil, fmt.Errorf("decode verification checks: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func marshalChecks(checks []VerificationCheck) ([]byte, error) {
	if checks == nil {
		checks = []VerificationCheck{}
	}
	return json.Marshal(checks)
}

// InsertTrace appends one trace row
func (r *Repository) InsertTrace(ctx context.Context, t *AuditTrace) error {
	input, err := jsonOrNil(t.InputData)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := jsonOrNil(t.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	checks, err := marshalChecks(t.VerificationChecks)
	if err != nil {
		return fmt.Errorf("marshal checks: %w", err)
	}
	metadata, err := jsonOrNil(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO audit_trace (
			id, trace_id, parent_trace_id, event_type, entity_type, entity_id, actor,
			action, stage, status, input_data, output_data, verification_checks,
			error_message, duration_ms, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at
	`,
		t.ID,
		t.TraceID,
		t.ParentTraceID,
		t.EventType,
		t.EntityType,
		t.EntityID,
		t.Actor,
		t.Action,
		t.Stage,
		t.Status,
		input,
		output,
		checks,
		t.ErrorMessage,
		t.DurationMS,
		metadata,
	).Scan(&t.CreatedAt)
	if err != nil {
		r.logger.Error("failed to insert trace",
			zap.Error(err),
			zap.String("trace_id", t.TraceID.String()),
			zap.String("action", t.Action),
		)
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// UpdatePendingChecks rewrites the check list on the trace's start row
func (r *Repository) UpdatePendingChecks(ctx context.Context, traceID uuid.UUID, checks []VerificationCheck) error {
	data, err := marshalChecks(checks)
	if err != nil {
		return fmt.Errorf("marshal checks: %w", err)
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE audit_trace
		SET verification_checks = $2
		WHERE trace_id = $1 AND action = $3
	`, traceID, data, TraceActionStart)
	if err != nil {
		return fmt.Errorf("update pending checks: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("trace %s: %w", traceID, ErrNotFound)
	}
	return nil
}

// ListTracesByEntity returns every trace row recorded for the entity, oldest first
func (r *Repository) ListTracesByEntity(ctx context.Context, entityType, entityID string) ([]*AuditTrace, error) {
	return r.listTraces(ctx, `
		SELECT `+traceColumns+`
		FROM audit_trace
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC, id ASC
	`, entityType, entityID)
}

// ListTraceRows returns the rows of one trace, oldest first
func (r *Repository) ListTraceRows(ctx context.Context, traceID uuid.UUID) ([]*AuditTrace, error) {
	return r.listTraces(ctx, `
		SELECT `+traceColumns+`
		FROM audit_trace
		WHERE trace_id = $1
		ORDER BY created_at ASC, id ASC
	`, traceID)
}

func (r *Repository) listTraces(ctx context.Context, query string, args ...any) ([]*AuditTrace, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var traces []*AuditTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return traces, nil
}

// EraseTraces anonymizes every trace row of the entity in place and returns
// how many rows were touched. Rows are never deleted; checks keep their id,
// name and status but lose their details.
func (r *Repository) EraseTraces(ctx context.Context, entityType, entityID string) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE audit_trace
		SET entity_id = NULL,
			input_data = NULL,
			output_data = NULL,
			error_message = NULL,
			verification_checks = COALESCE((
				SELECT jsonb_agg(c.elem - 'details' ORDER BY c.ord)
				FROM jsonb_array_elements(verification_checks) WITH ORDINALITY AS c(elem, ord)
			), '[]'::jsonb),
			metadata = COALESCE(metadata, '{}'::jsonb) || '{"erased": true}'::jsonb
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)
	if err != nil {
		return 0, fmt.Errorf("erase traces: %w", err)
	}
	return result.RowsAffected(), nil
}
