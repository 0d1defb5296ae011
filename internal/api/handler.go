package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/bounce"
	"github.com/lalithlochan/mailcore/internal/circuitbreaker"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/events"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/redis"
	"github.com/lalithlochan/mailcore/internal/reply"
	"github.com/lalithlochan/mailcore/internal/segment"
	"github.com/lalithlochan/mailcore/internal/sender"
)

// BounceProcessor handles bounce webhooks.
type BounceProcessor interface {
	ProcessBounce(ctx context.Context, ev bounce.Event) (*bounce.Result, error)
}

// ReplyProcessor handles reply webhooks.
type ReplyProcessor interface {
	ProcessReply(ctx context.Context, ev reply.Event) (*reply.Result, error)
}

// LeadService is the lead store.
type LeadService interface {
	Ingest(ctx context.Context, email, leadType string) (*db.Lead, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Lead, error)
	Anonymize(ctx context.Context, id uuid.UUID) (*db.Lead, error)
}

// SegmentService assigns and reconciles lead segments.
type SegmentService interface {
	Assign(ctx context.Context, leadID uuid.UUID, a segment.Assignment) (*db.LeadSegment, error)
	ReconcileLeadSegments(ctx context.Context, leadID uuid.UUID) (*segment.Result, error)
	Conflicts(ctx context.Context, leadID uuid.UUID) ([]*db.SegmentConflict, error)
}

// SuppressionLookup reads the suppression list.
type SuppressionLookup interface {
	Get(ctx context.Context, email string) (*db.SuppressionEntry, error)
	IsSuppressed(ctx context.Context, email string) (bool, error)
	Domain(ctx context.Context, domain string) (*db.DomainSuppression, error)
}

// AuditLedger is the read and erase side of the audit trail.
type AuditLedger interface {
	BuildTracebackChain(ctx context.Context, entityType, entityID string, maxDepth int) ([]*audit.Trace, error)
	ExportAuditTrail(ctx context.Context, entityType, entityID, format string) (*audit.Export, error)
	EraseAuditTrail(ctx context.Context, entityType, entityID string) (int64, error)
}

// SendStore persists outbound send records.
type SendStore interface {
	CreateSend(ctx context.Context, send *db.EmailSendRecord) error
	GetSend(ctx context.Context, id uuid.UUID) (*db.EmailSendRecord, error)
}

// Idempotency deduplicates send creation.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, key string) error
}

// Enqueuer hands webhook payloads to the inbound queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error)
}

// Services are the handler's required dependencies.
type Services struct {
	Bounces     BounceProcessor
	Replies     ReplyProcessor
	Leads       LeadService
	Segments    SegmentService
	Suppression SuppressionLookup
	Ledger      AuditLedger
	Sends       SendStore
	Lifecycle   *events.Lifecycle
	// Provider is recorded on send records created through the API.
	Provider string
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const healthTimeout = 2 * time.Second

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	bounces     BounceProcessor
	replies     ReplyProcessor
	leads       LeadService
	segments    SegmentService
	suppression SuppressionLookup
	ledger      AuditLedger
	sends       SendStore
	lifecycle   *events.Lifecycle
	provider    string

	idempotency Idempotency // nil if Redis not configured
	queue       Enqueuer    // nil if SQS not configured
	breakers    []*circuitbreaker.CircuitBreaker
	checks      []healthCheck
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, svc Services) *Handler {
	lifecycle := svc.Lifecycle
	if lifecycle == nil {
		lifecycle = events.NewLifecycle(nil, logger)
	}
	provider := svc.Provider
	if provider == "" {
		provider = sender.ProviderSES
	}
	return &Handler{
		logger:      logger,
		bounces:     svc.Bounces,
		replies:     svc.Replies,
		leads:       svc.Leads,
		segments:    svc.Segments,
		suppression: svc.Suppression,
		ledger:      svc.Ledger,
		sends:       svc.Sends,
		lifecycle:   lifecycle,
		provider:    provider,
	}
}

// WithIdempotency enables Idempotency-Key handling on POST /sends.
func (h *Handler) WithIdempotency(idem Idempotency) *Handler {
	h.idempotency = idem
	return h
}

// WithQueue makes the webhook routes enqueue instead of processing inline.
func (h *Handler) WithQueue(q Enqueuer) *Handler {
	h.queue = q
	return h
}

// WithBreakers adds circuit breakers to the health report.
func (h *Handler) WithBreakers(b ...*circuitbreaker.CircuitBreaker) *Handler {
	h.breakers = append(h.breakers, b...)
	return h
}

// WithHealthCheck adds a dependency check to GET /health, e.g. a database
// or Redis ping.
func (h *Handler) WithHealthCheck(name string, check func(ctx context.Context) error) *Handler {
	h.checks = append(h.checks, healthCheck{name: name, check: check})
	return h
}

// Routes registers the /v1 routes on r. webhookMW wraps only the webhook
// routes, typically with rate limiting.
func (h *Handler) Routes(r chi.Router, webhookMW ...func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(webhookMW...)
		r.Post("/webhooks/bounce", h.BounceWebhook)
		r.Post("/webhooks/reply", h.ReplyWebhook)
	})

	r.Post("/leads", h.CreateLead)
	r.Get("/leads/{id}", h.GetLead)
	r.Post("/leads/{id}/segments", h.AssignSegment)
	r.Get("/leads/{id}/conflicts", h.ListConflicts)
	r.Post("/leads/{id}/reconcile", h.ReconcileLead)
	r.Post("/leads/{id}/erase", h.EraseLead)

	r.Get("/suppressions/{email}", h.GetSuppression)

	r.Post("/sends", h.CreateSend)
	r.Get("/sends/{id}", h.GetSend)

	r.Get("/audit/{entityType}/{entityId}/chain", h.GetAuditChain)
	r.Get("/audit/{entityType}/{entityId}/export", h.ExportAudit)
	r.Delete("/audit/{entityType}/{entityId}", h.EraseAudit)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks,omitempty"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// Health reports liveness, dependency checks and the state of every send
// circuit. A failed dependency check is unhealthy (503); an open circuit only degrades
// the report.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	for _, b := range h.breakers {
		st := b.Stats()
		if st.State == circuitbreaker.StateOpen.String() {
			resp.Status = "degraded"
		}
		resp.Breakers = append(resp.Breakers, st)
	}

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp.Checks = make(map[string]string, len(h.checks))
		for _, c := range h.checks {
			if err := c.check(ctx); err != nil {
				h.logger.Warn("health check failed", zap.String("check", c.name), zap.Error(err))
				resp.Checks[c.name] = "down"
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.name] = "up"
		}
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeServiceError maps an error returned by a core component onto a
// problem response.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	var verr *lead.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", verr.Error())
	case errors.Is(err, audit.ErrUnsupportedFormat):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unsupported format", err.Error())
	case errors.Is(err, db.ErrNotFound), errors.Is(err, segment.ErrLeadNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
	case errors.Is(err, sender.ErrSuppressed):
		h.writeError(w, http.StatusUnprocessableEntity, "recipient_suppressed", "Recipient is suppressed", "")
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

// parseID reads the {id} URL parameter, writing a 400 when it is not a UUID.
func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name+" ID", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

const maxBodyBytes = 1 << 20
