package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sequenceColumns = `
	id, lead_id, sequence_id, sequence_type, status, pause_reason, paused_at, created_at, updated_at`

func scanSequence(row rowScanner) (*LeadSequence, error) {
	var s LeadSequence
	err := row.Scan(
		&s.ID,
		&s.LeadID,
		&s.SequenceID,
		&s.SequenceType,
		&s.Status,
		&s.PauseReason,
		&s.PausedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// EnrollLeadSequence enrols a lead in a sequence
func (r *Repository) EnrollLeadSequence(ctx context.Context, s *LeadSequence) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO lead_sequences (id, lead_id, sequence_id, sequence_type, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, s.ID, s.LeadID, s.SequenceID, s.SequenceType, s.Status).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lead sequence: %w", err)
	}
	return nil
}

// ListLeadSequences returns every enrolment of a lead, active or not
func (r *Repository) ListLeadSequences(ctx context.Context, leadID uuid.UUID) ([]*LeadSequence, error) {
	return r.listSequences(ctx,
		`SELECT `+sequenceColumns+` FROM lead_sequences WHERE lead_id = $1 ORDER BY created_at ASC`,
		leadID)
}

// ListActiveSequences returns the lead's active enrolments
func (r *Repository) ListActiveSequences(ctx context.Context, leadID uuid.UUID) ([]*LeadSequence, error) {
	return r.listSequences(ctx,
		`SELECT `+sequenceColumns+` FROM lead_sequences WHERE lead_id = $1 AND status = $2 ORDER BY created_at ASC`,
		leadID, SequenceStatusActive)
}

func (r *Repository) listSequences(ctx context.Context, query string, args ...any) ([]*LeadSequence, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lead sequences: %w", err)
	}
	defer rows.Close()

	var seqs []*LeadSequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead sequence: %w", err)
		}
		seqs = append(seqs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return seqs, nil
}

// PauseActiveSequences pauses every active sequence of the lead in one
// statement and returns the ids it paused.
func (r *Repository) PauseActiveSequences(ctx context.Context, leadID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	return r.pauseSequences(ctx, `
		UPDATE lead_sequences
		SET status = $2, pause_reason = $3, paused_at = $4, updated_at = NOW()
		WHERE lead_id = $1 AND status = $5
		RETURNING id
	`, leadID, SequenceStatusPaused, reason, at, SequenceStatusActive)
}

// PauseSequences pauses the given sequences if they are still active
func (r *Repository) PauseSequences(ctx context.Context, ids []uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.pauseSequences(ctx, `
		UPDATE lead_sequences
		SET status = $2, pause_reason = $3, paused_at = $4, updated_at = NOW()
		WHERE id = ANY($1) AND status = $5
		RETURNING id
	`, uuidStrings(ids), SequenceStatusPaused, reason, at, SequenceStatusActive)
}

func (r *Repository) pauseSequences(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pause sequences: %w", err)
	}
	defer rows.Close()

	var paused []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan paused id: %w", err)
		}
		paused = append(paused, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return paused, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
