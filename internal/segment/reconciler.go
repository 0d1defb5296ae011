// Package segment reconciles a lead's segment assignments: it detects
// conflicting segments, resolves each conflict, restores a single primary
// segment and pauses sequences that no longer match it.
package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/keylock"
	"github.com/lalithlochan/mailcore/internal/metrics"
)

// EventTypeReconcile is the audit event type of reconciliation traces.
const EventTypeReconcile = "segment_reconciliation"

// ErrLeadNotFound is returned when the lead to reconcile does not exist.
var ErrLeadNotFound = errors.New("lead not found")

// Actions reported in Result.Action.
const (
	ActionNoSegments    = "no_segments"
	ActionSingleSegment = "single_segment"
	ActionNoConflicts   = "no_conflicts"
	ActionReconciled    = "reconciled"
)

// ResolvedConflict is a conflict together with its resolution.
type ResolvedConflict struct {
	ID                uuid.UUID   `json:"id"`
	Type              string      `json:"conflict_type"`
	Severity          string      `json:"severity"`
	SegmentIDs        []uuid.UUID `json:"conflicting_segment_ids"`
	Method            string      `json:"resolution_method"`
	ResolvedSegmentID uuid.UUID   `json:"resolved_segment_id"`
	ResolvedSegment   string      `json:"resolved_segment"`
	Confidence        float64     `json:"confidence"`
}

// Result is returned by ReconcileLeadSegments.
type Result struct {
	Success           bool               `json:"success"`
	Action            string             `json:"action"`
	LeadID            uuid.UUID          `json:"lead_id"`
	Conflicts         []ResolvedConflict `json:"conflicts"`
	PrimarySegmentID  *uuid.UUID         `json:"primary_segment_id,omitempty"`
	PrimarySegment    string             `json:"primary_segment,omitempty"`
	Campaign          string             `json:"campaign,omitempty"`
	PausedSequenceIDs []uuid.UUID        `json:"paused_sequence_ids"`
	TraceID           uuid.UUID          `json:"trace_id"`
}

// Store is the persistence the reconciler needs.
type Store interface {
	GetLead(ctx context.Context, id uuid.UUID) (*db.Lead, error)
	SetLeadType(ctx context.Context, id uuid.UUID, leadType string) error
	AssignSegment(ctx context.Context, s *db.LeadSegment) error
	ListActiveLeadSegments(ctx context.Context, leadID uuid.UUID) ([]*db.LeadSegment, error)
	ApplyPrimarySegment(ctx context.Context, leadID, segmentID uuid.UUID, segmentName string) error
	InsertSegmentConflict(ctx context.Context, c *db.SegmentConflict) error
	ListSegmentConflicts(ctx context.Context, leadID uuid.UUID) ([]*db.SegmentConflict, error)
	ListActiveSequences(ctx context.Context, leadID uuid.UUID) ([]*db.LeadSequence, error)
	PauseSequences(ctx context.Context, ids []uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error)
}

// Reconciler runs segment reconciliation, one call per lead at a time.
type Reconciler struct {
	store  Store
	locker keylock.Locker
	tracer audit.Tracer
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler. locker serializes calls per lead;
// use keylock.NewLocal for a single process and the redis locker otherwise.
func NewReconciler(store Store, locker keylock.Locker, tracer audit.Tracer, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, locker: locker, tracer: tracer, logger: logger, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

func lockKey(leadID uuid.UUID) string {
	return "segment:" + leadID.String()
}

// ReconcileLeadSegments restores a consistent segment state for the lead.
func (r *Reconciler) ReconcileLeadSegments(ctx context.Context, leadID uuid.UUID) (*Result, error) {
	release, err := r.locker.Lock(ctx, lockKey(leadID))
	if err != nil {
		return nil, fmt.Errorf("lock lead %s: %w", leadID, err)
	}
	defer release()

	traceID, err := r.tracer.StartTrace(ctx, EventTypeReconcile, audit.EntityLead, leadID.String(), audit.StartOptions{
		Stage: "reconcile",
		Input: map[string]any{"lead_id": leadID.String()},
	})
	if err != nil {
		return nil, err
	}
	ctx = audit.ContextWithTrace(ctx, traceID)

	res, err := r.reconcile(ctx, traceID, leadID)
	if err != nil {
		if cerr := r.tracer.CompleteTrace(ctx, traceID, db.TraceStatusFailure, nil, err); cerr != nil {
			r.logger.Warn("reconcile trace not completed", zap.String("trace_id", traceID.String()), zap.Error(cerr))
		}
		r.logger.Error("segment reconciliation failed", zap.String("lead_id", leadID.String()), zap.Error(err))
		return nil, err
	}

	if err := r.tracer.CompleteTrace(ctx, traceID, db.TraceStatusSuccess, res, nil); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, traceID, leadID uuid.UUID) (*Result, error) {
	if _, err := r.store.GetLead(ctx, leadID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("lead %s: %w", leadID, ErrLeadNotFound)
		}
		return nil, fmt.Errorf("load lead: %w", err)
	}

	segs, err := r.store.ListActiveLeadSegments(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}

	res := &Result{
		Success:           true,
		LeadID:            leadID,
		Conflicts:         []ResolvedConflict{},
		PausedSequenceIDs: []uuid.UUID{},
		TraceID:           traceID,
	}

	switch len(segs) {
	case 0:
		res.Action = ActionNoSegments
		return res, r.tracer.AddVerificationCheck(ctx, traceID, "segments", "No active segments", audit.CheckSkipped, nil)
	case 1:
		res.Action = ActionSingleSegment
		res.setPrimary(segs[0])
		return res, r.tracer.AddVerificationCheck(ctx, traceID, "segments", "Single active segment", audit.CheckSkipped, map[string]any{
			"segment": segs[0].SegmentName,
		})
	}

	conflicts := DetectConflicts(segs)
	types := make([]string, len(conflicts))
	for i, c := range conflicts {
		types[i] = c.Type
	}
	if err := r.tracer.AddVerificationCheck(ctx, traceID, "detect", "Conflicts detected", audit.CheckPassed, map[string]any{
		"segments":  len(segs),
		"conflicts": types,
	}); err != nil {
		return nil, err
	}

	if len(conflicts) == 0 {
		res.Action = ActionNoConflicts
		if current := currentPrimary(segs); current != nil {
			res.setPrimary(current)
		}
		return res, nil
	}

	var (
		primaryWinner *db.LeadSegment
		losers        = make(map[uuid.UUID]bool)
	)
	for _, c := range conflicts {
		winner, method := Resolve(c)

		ids := make([]uuid.UUID, len(c.Segments))
		for i, s := range c.Segments {
			ids[i] = s.ID
			if s.ID != winner.ID {
				losers[s.ID] = true
			}
		}
		rec := &db.SegmentConflict{
			ID:                    uuid.New(),
			LeadID:                leadID,
			ConflictType:          c.Type,
			Severity:              c.Severity,
			ConflictingSegmentIDs: ids,
			ResolutionMethod:      method,
			ResolvedSegmentID:     winner.ID,
			Confidence:            winner.ConfidenceScore,
		}
		if err := r.store.InsertSegmentConflict(ctx, rec); err != nil {
			return nil, fmt.Errorf("record conflict: %w", err)
		}
		metrics.RecordSegmentConflict(c.Type, method)

		res.Conflicts = append(res.Conflicts, ResolvedConflict{
			ID:                rec.ID,
			Type:              c.Type,
			Severity:          c.Severity,
			SegmentIDs:        ids,
			Method:            method,
			ResolvedSegmentID: winner.ID,
			ResolvedSegment:   winner.SegmentName,
			Confidence:        winner.ConfidenceScore,
		})
		if c.Type == ConflictMultiplePrimary {
			primaryWinner = winner
		}
	}

	primary := choosePrimary(segs, primaryWinner, losers)
	if err := r.store.ApplyPrimarySegment(ctx, leadID, primary.ID, primary.SegmentName); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("lead %s: %w", leadID, ErrLeadNotFound)
		}
		return nil, fmt.Errorf("apply primary segment: %w", err)
	}
	res.setPrimary(primary)
	if err := r.tracer.AddVerificationCheck(ctx, traceID, "primary", "Primary segment applied", audit.CheckPassed, map[string]any{
		"segment_id": primary.ID.String(),
		"segment":    primary.SegmentName,
	}); err != nil {
		return nil, err
	}

	if err := r.reconcileCampaigns(ctx, traceID, leadID, res); err != nil {
		return nil, err
	}

	res.Action = ActionReconciled
	r.tracer.LogEvent(ctx, "segment_reconciled", audit.EntityLead, leadID.String(), map[string]any{
		"primary_segment": primary.SegmentName,
		"conflicts":       len(res.Conflicts),
		"paused":          len(res.PausedSequenceIDs),
	})
	r.logger.Info("segments reconciled",
		zap.String("lead_id", leadID.String()),
		zap.String("primary_segment", primary.SegmentName),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.Int("paused_sequences", len(res.PausedSequenceIDs)),
	)
	return res, nil
}

func (res *Result) setPrimary(s *db.LeadSegment) {
	id := s.ID
	res.PrimarySegmentID = &id
	res.PrimarySegment = s.SegmentName
	if c, ok := CampaignFor(s.SegmentName); ok {
		res.Campaign = c
	}
}

func currentPrimary(segs []*db.LeadSegment) *db.LeadSegment {
	for _, s := range segs {
		if s.IsPrimary {
			return s
		}
	}
	return nil
}

// choosePrimary: the multiple_primary winner when there is one, else the
// current primary unless it lost a conflict, else the most confident
// segment that lost nothing.
func choosePrimary(segs []*db.LeadSegment, primaryWinner *db.LeadSegment, losers map[uuid.UUID]bool) *db.LeadSegment {
	if primaryWinner != nil {
		return primaryWinner
	}
	if current := currentPrimary(segs); current != nil && !losers[current.ID] {
		return current
	}

	var candidates []*db.LeadSegment
	for _, s := range segs {
		if !losers[s.ID] {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		candidates = segs
	}
	return highestConfidence(candidates)
}

// reconcileCampaigns pauses every active sequence whose type differs from
// the primary segment's campaign. A segment without a campaign leaves
// sequences alone.
func (r *Reconciler) reconcileCampaigns(ctx context.Context, traceID, leadID uuid.UUID, res *Result) error {
	if res.Campaign == "" {
		return r.tracer.AddVerificationCheck(ctx, traceID, "campaigns", "No campaign for segment", audit.CheckSkipped, map[string]any{
			"segment": res.PrimarySegment,
		})
	}

	active, err := r.store.ListActiveSequences(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load sequences: %w", err)
	}
	var stale []uuid.UUID
	for _, seq := range active {
		if seq.SequenceType != res.Campaign {
			stale = append(stale, seq.ID)
		}
	}

	paused, err := r.store.PauseSequences(ctx, stale, db.PauseReasonSegmentReconciliation, r.now().UTC())
	if err != nil {
		return fmt.Errorf("pause sequences: %w", err)
	}
	res.PausedSequenceIDs = append(res.PausedSequenceIDs, paused...)
	metrics.RecordSequencesPaused(db.PauseReasonSegmentReconciliation, len(paused))

	return r.tracer.AddVerificationCheck(ctx, traceID, "campaigns", "Campaigns reconciled", audit.CheckPassed, map[string]any{
		"campaign": res.Campaign,
		"paused":   len(paused),
	})
}

// Conflicts returns the conflicts recorded for a lead, oldest first.
func (r *Reconciler) Conflicts(ctx context.Context, leadID uuid.UUID) ([]*db.SegmentConflict, error) {
	return r.store.ListSegmentConflicts(ctx, leadID)
}
