package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrUnsupportedFormat is returned by ExportAuditTrail for an unknown format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Export is a rendered audit trail.
type Export struct {
	ContentType string
	Body        []byte
}

type jsonExport struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ExportedAt time.Time `json:"exported_at"`
	TraceCount int       `json:"trace_count"`
	Traces     []*Trace  `json:"traces"`
}

var csvHeader = []string{
	"trace_id", "parent_trace_id", "event_type", "entity_type", "entity_id",
	"actor", "stage", "status", "started_at", "completed_at", "duration_ms",
	"checks", "error_message",
}

// ExportAuditTrail renders the entity's traceback chain as JSON or CSV.
func (l *Ledger) ExportAuditTrail(ctx context.Context, entityType, entityID, format string) (*Export, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	chain, err := l.BuildTracebackChain(ctx, entityType, entityID, l.maxDepth)
	if err != nil {
		return nil, err
	}

	if format == FormatCSV {
		body, err := renderCSV(chain)
		if err != nil {
			return nil, err
		}
		return &Export{ContentType: "text/csv", Body: body}, nil
	}

	body, err := json.MarshalIndent(jsonExport{
		EntityType: entityType,
		EntityID:   entityID,
		ExportedAt: l.now().UTC(),
		TraceCount: len(chain),
		Traces:     chain,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode audit export: %w", err)
	}
	return &Export{ContentType: "application/json", Body: body}, nil
}

func renderCSV(chain []*Trace) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, t := range chain {
		checks, err := json.Marshal(t.VerificationChecks)
		if err != nil {
			return nil, fmt.Errorf("encode checks: %w", err)
		}
		record := []string{
			t.TraceID.String(),
			"",
			t.EventType,
			t.EntityType,
			"",
			t.Actor,
			t.Stage,
			t.Status,
			t.StartedAt.Format(time.RFC3339Nano),
			"",
			"",
			string(checks),
			"",
		}
		if t.ParentTraceID != nil {
			record[1] = t.ParentTraceID.String()
		}
		if t.EntityID != nil {
			record[4] = *t.EntityID
		}
		if t.CompletedAt != nil {
			record[9] = t.CompletedAt.Format(time.RFC3339Nano)
		}
		if t.DurationMS != nil {
			record[10] = strconv.FormatInt(*t.DurationMS, 10)
		}
		if t.ErrorMessage != nil {
			record[12] = *t.ErrorMessage
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
