package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/segment"
)

// LeadRequest is the body of POST /v1/leads.
type LeadRequest struct {
	Email    string `json:"email"`
	LeadType string `json:"lead_type"`
}

// EraseResponse reports what POST /v1/leads/{id}/erase removed.
type EraseResponse struct {
	Lead           *db.Lead `json:"lead"`
	ErasedTraces   int64    `json:"erased_traces"`
	ErasedEntities []string `json:"erased_entities"`
}

// SuppressionResponse is the body of GET /v1/suppressions/{email}.
type SuppressionResponse struct {
	Email        string     `json:"email"`
	Suppressed   bool       `json:"suppressed"`
	Reason       string     `json:"reason,omitempty"`
	SuppressedAt *time.Time `json:"suppressed_at,omitempty"`
	// DomainBounces is informational; it never blocks sends.
	DomainBounces int `json:"domain_bounces"`
}

// CreateLead handles POST /v1/leads. Ingesting a known address returns the
// stored lead.
func (h *Handler) CreateLead(w http.ResponseWriter, r *http.Request) {
	var req LeadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	l, err := h.leads.Ingest(r.Context(), req.Email, req.LeadType)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create lead")
		return
	}
	h.writeJSON(w, http.StatusCreated, l)
}

// GetLead handles GET /v1/leads/{id}.
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "lead")
	if !ok {
		return
	}
	l, err := h.leads.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get lead")
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

// AssignSegment handles POST /v1/leads/{id}/segments.
func (h *Handler) AssignSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "lead")
	if !ok {
		return
	}
	var req segment.Assignment
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	s, err := h.segments.Assign(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to assign segment")
		return
	}
	h.writeJSON(w, http.StatusCreated, s)
}

// ListConflicts handles GET /v1/leads/{id}/conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "lead")
	if !ok {
		return
	}
	conflicts, err := h.segments.Conflicts(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []*db.SegmentConflict{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// ReconcileLead handles POST /v1/leads/{id}/reconcile.
func (h *Handler) ReconcileLead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "lead")
	if !ok {
		return
	}
	res, err := h.segments.ReconcileLeadSegments(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to reconcile segments")
		return
	}
	h.lifecycle.Reconciled(r.Context(), res)
	h.writeJSON(w, http.StatusOK, res)
}

// EraseLead handles POST /v1/leads/{id}/erase: the lead's address is
// replaced by a placeholder and every audit row keyed by the lead or by its
// address fingerprint is anonymized.
func (h *Handler) EraseLead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "lead")
	if !ok {
		return
	}
	ctx := r.Context()

	orig, err := h.leads.Get(ctx, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get lead")
		return
	}
	anon, err := h.leads.Anonymize(ctx, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to anonymize lead")
		return
	}

	resp := EraseResponse{Lead: anon, ErasedEntities: []string{audit.EntityLead, audit.EntityRecipient}}
	for _, target := range []struct{ entityType, entityID string }{
		{audit.EntityLead, id.String()},
		{audit.EntityRecipient, orig.Fingerprint},
	} {
		n, err := h.ledger.EraseAuditTrail(ctx, target.entityType, target.entityID)
		if err != nil {
			h.writeServiceError(w, err, "Failed to erase audit trail")
			return
		}
		resp.ErasedTraces += n
	}

	h.logger.Info("lead erased",
		zap.String("lead_id", id.String()),
		zap.Int64("erased_traces", resp.ErasedTraces),
	)
	h.writeJSON(w, http.StatusOK, resp)
}

// GetSuppression handles GET /v1/suppressions/{email}.
func (h *Handler) GetSuppression(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email", err.Error())
		return
	}
	if err := lead.Validate("email", email); err != nil {
		h.writeServiceError(w, err, "Invalid email")
		return
	}

	entry, err := h.suppression.Get(r.Context(), email)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get suppression")
		return
	}

	resp := SuppressionResponse{Email: lead.Normalize(email)}
	if entry != nil {
		resp.Suppressed = true
		resp.Reason = entry.Reason
		resp.SuppressedAt = &entry.SuppressedAt
	}

	dom, err := h.suppression.Domain(r.Context(), lead.Domain(email))
	if err != nil {
		h.writeServiceError(w, err, "Failed to get domain suppression")
		return
	}
	if dom != nil {
		resp.DomainBounces = dom.BounceCount
	}
	h.writeJSON(w, http.StatusOK, resp)
}
