package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/test", "201")); got < 1 {
		t.Errorf("expected POST /test 201 to be counted, got %v", got)
	}
}

func TestRecordBounce(t *testing.T) {
	before := testutil.ToFloat64(bouncesProcessed.WithLabelValues("hard", "suppressed"))
	RecordBounce("hard", "suppressed")
	after := testutil.ToFloat64(bouncesProcessed.WithLabelValues("hard", "suppressed"))

	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestRecordReply(t *testing.T) {
	RecordReply("human", "processed")
	RecordReply("auto_reply", "deduplicated")
}

func TestRecordSequencesPaused(t *testing.T) {
	before := testutil.ToFloat64(sequencesPaused.WithLabelValues("reply_received"))
	RecordSequencesPaused("reply_received", 2)
	RecordSequencesPaused("reply_received", 0)
	after := testutil.ToFloat64(sequencesPaused.WithLabelValues("reply_received"))

	if after-before != 2 {
		t.Errorf("expected counter to grow by 2, got %v", after-before)
	}
}

func TestRecordSegmentConflict(t *testing.T) {
	RecordSegmentConflict("multiple_primary", "highest_confidence")
}

func TestRecordTraceCompleted(t *testing.T) {
	RecordTraceCompleted("bounce_processing", "success")
}

func TestRecordSend(t *testing.T) {
	RecordSend("sent")
	RecordSuppressedSend()
}

func TestSetGauges(t *testing.T) {
	SetSQSMessagesInFlight(5)
	if got := testutil.ToFloat64(sqsMessagesInFlight); got != 5 {
		t.Errorf("expected 5 in flight, got %v", got)
	}
	SetSQSMessagesInFlight(0)
	SetDBConnections(10)
	RecordRateLimitRejection("webhook")
}

func TestHandler(t *testing.T) {
	RecordBounce("soft", "retry_scheduled")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mailcore_bounces_processed_total") {
		t.Error("expected bounce counter in exposition")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/leads/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest("GET", "/v1/leads/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/leads/{id}", "201")); got < 1 {
		t.Errorf("expected request labelled by route pattern, got %v", got)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("ses", 1)
	if got := testutil.ToFloat64(circuitState.WithLabelValues("ses")); got != 1 {
		t.Errorf("expected state 1, got %v", got)
	}
}
