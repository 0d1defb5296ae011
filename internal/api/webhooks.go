package api

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/bounce"
	"github.com/lalithlochan/mailcore/internal/reply"
	"github.com/lalithlochan/mailcore/internal/sqs"
)

// QueuedResponse is returned with 202 when a webhook was handed to SQS.
type QueuedResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// readWebhook returns the raw body, writing a 400 when it cannot be read.
func (h *Handler) readWebhook(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return nil, false
	}
	return raw, true
}

// enqueue hands an already validated event to SQS and answers 202.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, kind string, ev any) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.writeServiceError(w, err, "Failed to encode event")
		return
	}
	msgID, err := h.queue.Enqueue(r.Context(), kind, payload)
	if err != nil {
		h.logger.Error("failed to enqueue webhook", zap.String("kind", kind), zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue event", "")
		return
	}
	h.logger.Debug("webhook enqueued", zap.String("kind", kind), zap.String("sqs_message_id", msgID))
	h.writeJSON(w, http.StatusAccepted, QueuedResponse{Status: "queued", MessageID: msgID})
}

// BounceWebhook handles POST /v1/webhooks/bounce.
func (h *Handler) BounceWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readWebhook(w, r)
	if !ok {
		return
	}

	var ev bounce.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(ev.RawPayload) == 0 {
		ev.RawPayload = raw
	}
	if err := ev.Validate(); err != nil {
		h.writeServiceError(w, err, "Invalid bounce event")
		return
	}

	if h.queue != nil {
		h.enqueue(w, r, sqs.KindBounce, ev)
		return
	}

	res, err := h.bounces.ProcessBounce(r.Context(), ev)
	if err != nil {
		h.writeServiceError(w, err, "Failed to process bounce")
		return
	}
	h.lifecycle.BounceProcessed(r.Context(), ev, res)
	h.writeJSON(w, http.StatusOK, res)
}

// ReplyWebhook handles POST /v1/webhooks/reply.
func (h *Handler) ReplyWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readWebhook(w, r)
	if !ok {
		return
	}

	var ev reply.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(ev.RawPayload) == 0 {
		ev.RawPayload = raw
	}
	if err := ev.Validate(); err != nil {
		h.writeServiceError(w, err, "Invalid reply event")
		return
	}

	if h.queue != nil {
		h.enqueue(w, r, sqs.KindReply, ev)
		return
	}

	res, err := h.replies.ProcessReply(r.Context(), ev)
	if err != nil {
		h.writeServiceError(w, err, "Failed to process reply")
		return
	}
	h.lifecycle.ReplyProcessed(r.Context(), res)
	h.writeJSON(w, http.StatusOK, res)
}
