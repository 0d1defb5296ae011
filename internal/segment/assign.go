package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/lead"
)

// Assignment is a request to tag a lead with a segment.
type Assignment struct {
	SegmentName string  `json:"segment_name"`
	Confidence  float64 `json:"confidence_score"`
	Primary     bool    `json:"is_primary"`
}

// Assign stores a new active segment for the lead. A primary assignment also
// becomes the lead's lead_type. It does not reconcile; a second primary is
// left for ReconcileLeadSegments to resolve.
func (r *Reconciler) Assign(ctx context.Context, leadID uuid.UUID, a Assignment) (*db.LeadSegment, error) {
	name := strings.ToLower(strings.TrimSpace(a.SegmentName))
	if name == "" {
		return nil, lead.Required("segment_name")
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return nil, &lead.ValidationError{Field: "confidence_score", Message: "must be between 0 and 1"}
	}

	if _, err := r.store.GetLead(ctx, leadID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("lead %s: %w", leadID, ErrLeadNotFound)
		}
		return nil, fmt.Errorf("load lead: %w", err)
	}

	s := &db.LeadSegment{
		ID:              uuid.New(),
		LeadID:          leadID,
		SegmentName:     name,
		IsPrimary:       a.Primary,
		ConfidenceScore: a.Confidence,
		IsActive:        true,
		AssignedAt:      r.now().UTC(),
	}
	if err := r.store.AssignSegment(ctx, s); err != nil {
		return nil, fmt.Errorf("assign segment: %w", err)
	}
	if a.Primary {
		if err := r.store.SetLeadType(ctx, leadID, name); err != nil {
			return nil, err
		}
	}

	r.logger.Debug("segment assigned",
		zap.String("lead_id", leadID.String()),
		zap.String("segment", name),
		zap.Bool("primary", a.Primary),
	)
	return s, nil
}
