package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const segmentColumns = `id, lead_id, segment_name, is_primary, confidence_score, is_active, assigned_at`

func scanSegment(row rowScanner) (*LeadSegment, error) {
	var s LeadSegment
	err := row.Scan(
		&s.ID,
		&s.LeadID,
		&s.SegmentName,
		&s.IsPrimary,
		&s.ConfidenceScore,
		&s.IsActive,
		&s.AssignedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AssignSegment tags a lead with a segment
func (r *Repository) AssignSegment(ctx context.Context, s *LeadSegment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO lead_segments (id, lead_id, segment_name, is_primary, confidence_score, is_active, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.LeadID, s.SegmentName, s.IsPrimary, s.ConfidenceScore, s.IsActive, s.AssignedAt)
	if err != nil {
		return fmt.Errorf("insert lead segment: %w", err)
	}
	return nil
}

// ListActiveLeadSegments returns the lead's active segments, primary first,
// then by confidence descending.
func (r *Repository) ListActiveLeadSegments(ctx context.Context, leadID uuid.UUID) ([]*LeadSegment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+segmentColumns+`
		FROM lead_segments
		WHERE lead_id = $1 AND is_active
		ORDER BY is_primary DESC, confidence_score DESC, assigned_at ASC, id ASC
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("query lead segments: %w", err)
	}
	defer rows.Close()

	var segs []*LeadSegment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead segment: %w", err)
		}
		segs = append(segs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return segs, nil
}

// ApplyPrimarySegment makes segmentID the only primary segment of the lead
// and copies its name to leads.lead_type, atomically.
func (r *Repository) ApplyPrimarySegment(ctx context.Context, leadID, segmentID uuid.UUID, segmentName string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE lead_segments SET is_primary = (id = $2) WHERE lead_id = $1
		`, leadID, segmentID); err != nil {
			return fmt.Errorf("update primary segment: %w", err)
		}

		result, err := tx.Exec(ctx,
			`UPDATE leads SET lead_type = $2, updated_at = NOW() WHERE id = $1`,
			leadID, segmentName)
		if err != nil {
			return fmt.Errorf("update lead type: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
		}
		return nil
	})
}

// InsertSegmentConflict appends a resolved conflict record
func (r *Repository) InsertSegmentConflict(ctx context.Context, c *SegmentConflict) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO segment_conflicts (
			id, lead_id, conflict_type, severity, conflicting_segment_ids,
			resolution_method, resolved_segment_id, confidence
		) VALUES ($1, $2, $3, $4, $5::uuid[], $6, $7, $8)
		RETURNING created_at
	`,
		c.ID,
		c.LeadID,
		c.ConflictType,
		c.Severity,
		uuidStrings(c.ConflictingSegmentIDs),
		c.ResolutionMethod,
		c.ResolvedSegmentID,
		c.Confidence,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert segment conflict: %w", err)
	}
	return nil
}

// ListSegmentConflicts returns the conflicts recorded for a lead, oldest first
func (r *Repository) ListSegmentConflicts(ctx context.Context, leadID uuid.UUID) ([]*SegmentConflict, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, lead_id, conflict_type, severity, conflicting_segment_ids::text[],
			resolution_method, resolved_segment_id, confidence, created_at
		FROM segment_conflicts
		WHERE lead_id = $1
		ORDER BY created_at ASC
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("query segment conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*SegmentConflict
	for rows.Next() {
		var (
			c   SegmentConflict
			ids []string
		)
		err := rows.Scan(
			&c.ID,
			&c.LeadID,
			&c.ConflictType,
			&c.Severity,
			&ids,
			&c.ResolutionMethod,
			&c.ResolvedSegmentID,
			&c.Confidence,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan segment conflict: %w", err)
		}
		for _, s := range ids {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("parse conflicting segment id: %w", err)
			}
			c.ConflictingSegmentIDs = append(c.ConflictingSegmentIDs, id)
		}
		conflicts = append(conflicts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return conflicts, nil
}
