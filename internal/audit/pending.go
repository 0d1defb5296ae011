package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/mailcore/internal/db"
)

// pendingTrace is a started, not yet completed trace.
type pendingTrace struct {
	row       db.AuditTrace
	startedAt time.Time
	checks    []db.VerificationCheck
	// erased traces keep recording checks, without details
	erased bool
}

// PendingStore holds started traces until they complete. It is the only
// place checks can be appended; a trace leaves it exactly once.
type PendingStore struct {
	mu     sync.Mutex
	traces map[uuid.UUID]*pendingTrace
}

// NewPendingStore creates an empty pending-trace cache.
func NewPendingStore() *PendingStore {
	return &PendingStore{traces: make(map[uuid.UUID]*pendingTrace)}
}

func (p *PendingStore) put(t *pendingTrace) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.traces[t.row.TraceID] = t
}

// appendCheck adds c to the trace and returns a snapshot of its checks.
func (p *PendingStore) appendCheck(traceID uuid.UUID, c db.VerificationCheck) ([]db.VerificationCheck, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.traces[traceID]
	if !ok {
		return nil, false
	}
	if t.erased {
		c.Details = nil
	}
	t.checks = append(t.checks, c)
	return append([]db.VerificationCheck(nil), t.checks...), true
}

// take removes the trace and returns it.
func (p *PendingStore) take(traceID uuid.UUID) (*pendingTrace, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.traces[traceID]
	if ok {
		delete(p.traces, traceID)
	}
	return t, ok
}

// scrub drops identifying data from pending traces of an erased entity so
// their completion rows carry none.
func (p *PendingStore) scrub(entityType, entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.traces {
		if t.row.EntityType != entityType || t.row.EntityID == nil || *t.row.EntityID != entityID {
			continue
		}
		t.erased = true
		t.row.EntityID = nil
		t.row.InputData = nil
		for i := range t.checks {
			t.checks[i].Details = nil
		}
		if t.row.Metadata == nil {
			t.row.Metadata = map[string]any{}
		}
		t.row.Metadata["erased"] = true
	}
}

// Len returns the number of pending traces.
func (p *PendingStore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.traces)
}
