package audit

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// ContextWithTrace returns a context whose traces started through a Ledger
// default to traceID as their parent.
func ContextWithTrace(ctx context.Context, traceID uuid.UUID) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceFromContext returns the trace stored by ContextWithTrace.
func TraceFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(traceKey{}).(uuid.UUID)
	return id, ok
}
