package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/redis"
	"github.com/lalithlochan/mailcore/internal/sender"
)

// defaultScope keys idempotency records for callers that send no client id.
const defaultScope = "default"

// SendRequest is the body of POST /v1/sends.
type SendRequest struct {
	LeadID     *uuid.UUID `json:"lead_id,omitempty"`
	SequenceID *uuid.UUID `json:"sequence_id,omitempty"`
	StepNumber int        `json:"step_number"`
	ToEmail    string     `json:"to_email"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	HTMLBody   string     `json:"html_body"`
	InReplyTo  string     `json:"in_reply_to"`
}

func (req SendRequest) validate() error {
	if err := lead.Validate("to_email", req.ToEmail); err != nil {
		return err
	}
	if strings.TrimSpace(req.Subject) == "" {
		return lead.Required("subject")
	}
	if strings.TrimSpace(req.Body) == "" && strings.TrimSpace(req.HTMLBody) == "" {
		return &lead.ValidationError{Field: "body", Message: "body or html_body is required"}
	}
	return nil
}

// CreateSend handles POST /v1/sends. The record is queued for the send
// worker. A suppressed recipient is refused up front with 422.
func (h *Handler) CreateSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Extract Idempotency-Key header (optional but recommended)
	idempotencyKey := r.Header.Get("Idempotency-Key")
	scope := r.Header.Get("X-Client-ID")
	if scope == "" {
		scope = defaultScope
	}

	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		h.writeServiceError(w, err, "Invalid send")
		return
	}

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			h.replaySend(w, r, cached)
			return
		default:
			reserved = true
		}
	}

	rec, err := h.createSend(r, req)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, scope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeServiceError(w, err, "Failed to create send")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			SendID:     rec.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) createSend(r *http.Request, req SendRequest) (*db.EmailSendRecord, error) {
	ctx := r.Context()

	suppressed, err := h.suppression.IsSuppressed(ctx, req.ToEmail)
	if err != nil {
		return nil, err
	}
	if suppressed {
		return nil, sender.ErrSuppressed
	}

	payload, err := json.Marshal(sender.Payload{
		Subject:   req.Subject,
		Body:      req.Body,
		HTMLBody:  req.HTMLBody,
		InReplyTo: req.InReplyTo,
	})
	if err != nil {
		return nil, err
	}

	rec := &db.EmailSendRecord{
		ID:         uuid.New(),
		LeadID:     req.LeadID,
		SequenceID: req.SequenceID,
		StepNumber: req.StepNumber,
		Provider:   h.provider,
		ToEmail:    lead.Normalize(req.ToEmail),
		Payload:    payload,
		Status:     db.SendStatusQueued,
	}
	if err := h.sends.CreateSend(ctx, rec); err != nil {
		return nil, err
	}

	h.logger.Info("send queued",
		zap.String("send_id", rec.ID.String()),
		zap.String("recipient_domain", lead.Domain(rec.ToEmail)),
	)
	return rec, nil
}

// replaySend answers a repeated request with the send it created.
func (h *Handler) replaySend(w http.ResponseWriter, r *http.Request, cached *redis.IdempotencyResult) {
	id, err := uuid.Parse(cached.SendID)
	if err != nil {
		h.writeServiceError(w, err, "Invalid cached idempotency result")
		return
	}
	rec, err := h.sends.GetSend(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get send")
		return
	}
	w.Header().Set("X-Idempotency-Replayed", "true")
	h.writeJSON(w, cached.StatusCode, rec)
}

// GetSend handles GET /v1/sends/{id}.
func (h *Handler) GetSend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "send")
	if !ok {
		return
	}
	rec, err := h.sends.GetSend(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get send")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}
