package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
)

// ChainResponse is the body of GET /v1/audit/{entityType}/{entityId}/chain.
type ChainResponse struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Traces     []*audit.Trace `json:"traces"`
}

func entityParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId")
}

// GetAuditChain handles GET /v1/audit/{entityType}/{entityId}/chain. The
// optional max_depth query parameter caps the walk.
func (h *Handler) GetAuditChain(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	depth := 0
	if v := r.URL.Query().Get("max_depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_depth", "max_depth must be a positive integer")
			return
		}
		depth = d
	}

	chain, err := h.ledger.BuildTracebackChain(r.Context(), entityType, entityID, depth)
	if err != nil {
		h.writeServiceError(w, err, "Failed to build audit chain")
		return
	}
	h.writeJSON(w, http.StatusOK, ChainResponse{EntityType: entityType, EntityID: entityID, Traces: chain})
}

// ExportAudit handles GET /v1/audit/{entityType}/{entityId}/export.
func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)
	format := r.URL.Query().Get("format")

	exp, err := h.ledger.ExportAuditTrail(r.Context(), entityType, entityID, format)
	if err != nil {
		h.writeServiceError(w, err, "Failed to export audit trail")
		return
	}

	ext := audit.FormatJSON
	if exp.ContentType == "text/csv" {
		ext = audit.FormatCSV
	}
	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.%s"`, entityType, ext))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(exp.Body); err != nil {
		h.logger.Warn("failed to write audit export", zap.Error(err))
	}
}

// EraseAudit handles DELETE /v1/audit/{entityType}/{entityId}. Rows are
// anonymized in place, never removed.
func (h *Handler) EraseAudit(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	n, err := h.ledger.EraseAuditTrail(r.Context(), entityType, entityID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to erase audit trail")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"entity_type":   entityType,
		"erased_traces": n,
	})
}
