package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/mailcore/internal/db"
)

// Trace is the collapsed view of one trace: its start row merged with its
// completion row when there is one.
type Trace struct {
	TraceID            uuid.UUID              `json:"trace_id"`
	ParentTraceID      *uuid.UUID             `json:"parent_trace_id,omitempty"`
	EventType          string                 `json:"event_type"`
	EntityType         string                 `json:"entity_type"`
	EntityID           *string                `json:"entity_id"`
	Actor              string                 `json:"actor"`
	Stage              string                 `json:"stage,omitempty"`
	Status             string                 `json:"status"`
	InputData          json.RawMessage        `json:"input_data,omitempty"`
	OutputData         json.RawMessage        `json:"output_data,omitempty"`
	VerificationChecks []db.VerificationCheck `json:"verification_checks"`
	ErrorMessage       *string                `json:"error_message,omitempty"`
	DurationMS         *int64                 `json:"duration_ms,omitempty"`
	Metadata           map[string]any         `json:"metadata,omitempty"`
	StartedAt          time.Time              `json:"started_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// collapse folds trace rows into one Trace per trace_id, ordered by start.
func collapse(rows []*db.AuditTrace) []*Trace {
	byID := make(map[uuid.UUID]*Trace)
	started := make(map[uuid.UUID]bool)
	var order []uuid.UUID

	for _, r := range rows {
		t, ok := byID[r.TraceID]
		if !ok {
			t = &Trace{
				TraceID:    r.TraceID,
				EventType:  r.EventType,
				EntityType: r.EntityType,
				StartedAt:  r.CreatedAt,
			}
			byID[r.TraceID] = t
			order = append(order, r.TraceID)
		}

		switch r.Action {
		case db.TraceActionComplete:
			completed := r.CreatedAt
			t.CompletedAt = &completed
			t.Status = r.Status
			t.OutputData = r.OutputData
			t.VerificationChecks = r.VerificationChecks
			t.ErrorMessage = r.ErrorMessage
			t.DurationMS = r.DurationMS
			if !started[r.TraceID] && t.DurationMS != nil {
				t.StartedAt = completed.Add(-time.Duration(*t.DurationMS) * time.Millisecond)
			}
		case db.TraceActionStart:
			started[r.TraceID] = true
			t.StartedAt = r.CreatedAt
			if t.CompletedAt == nil {
				t.Status = r.Status
				t.VerificationChecks = r.VerificationChecks
			}
		default:
			t.StartedAt = r.CreatedAt
			t.Status = r.Status
			t.OutputData = r.OutputData
			t.VerificationChecks = r.VerificationChecks
		}

		// Attributes are shared by both rows; prefer whichever is set.
		if t.ParentTraceID == nil {
			t.ParentTraceID = r.ParentTraceID
		}
		if t.EntityID == nil {
			t.EntityID = r.EntityID
		}
		if t.Actor == "" {
			t.Actor = r.Actor
		}
		if t.Stage == "" {
			t.Stage = r.Stage
		}
		if t.InputData == nil {
			t.InputData = r.InputData
		}
		if r.Metadata != nil {
			if t.Metadata == nil {
				t.Metadata = make(map[string]any, len(r.Metadata))
			}
			for k, v := range r.Metadata {
				t.Metadata[k] = v
			}
		}
	}

	out := make([]*Trace, 0, len(order))
	for _, id := range order {
		t := byID[id]
		if t.VerificationChecks == nil {
			t.VerificationChecks = []db.VerificationCheck{}
		}
		out = append(out, t)
	}
	sortChronological(out)
	return out
}

func sortChronological(traces []*Trace) {
	sort.SliceStable(traces, func(i, j int) bool {
		if !traces[i].StartedAt.Equal(traces[j].StartedAt) {
			return traces[i].StartedAt.Before(traces[j].StartedAt)
		}
		return traces[i].TraceID.String() < traces[j].TraceID.String()
	})
}

// BuildTracebackChain reconstructs the history that led to the entity's most
// recent trace. From that trace it follows parent_trace_id links; where a
// trace has no parent it steps back to the entity's previous trace. At most
// maxDepth traces are collected (the ledger default when maxDepth <= 0) and
// returned oldest first.
func (l *Ledger) BuildTracebackChain(ctx context.Context, entityType, entityID string, maxDepth int) ([]*Trace, error) {
	if maxDepth <= 0 {
		maxDepth = l.maxDepth
	}

	rows, err := l.store.ListTracesByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("load entity traces: %w", err)
	}
	entityTraces := collapse(rows)
	if len(entityTraces) == 0 {
		return []*Trace{}, nil
	}

	visited := make(map[uuid.UUID]bool)
	var chain []*Trace

	// cursor walks the entity's own traces from newest to oldest.
	cursor := len(entityTraces) - 1
	nextEntityTrace := func() *Trace {
		for ; cursor >= 0; cursor-- {
			t := entityTraces[cursor]
			if !visited[t.TraceID] {
				cursor--
				return t
			}
		}
		return nil
	}

	current := nextEntityTrace()
	for current != nil && len(chain) < maxDepth {
		visited[current.TraceID] = true
		chain = append(chain, current)

		var next *Trace
		if current.ParentTraceID != nil && !visited[*current.ParentTraceID] {
			parentRows, err := l.store.ListTraceRows(ctx, *current.ParentTraceID)
			if err != nil {
				return nil, fmt.Errorf("load parent trace: %w", err)
			}
			if parents := collapse(parentRows); len(parents) > 0 {
				next = parents[0]
			}
		}
		if next == nil {
			next = nextEntityTrace()
		}
		current = next
	}

	sortChronological(chain)
	return chain, nil
}
