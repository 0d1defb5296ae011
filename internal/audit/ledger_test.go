package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/db/memstore"
)

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	t := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestLedger(t *testing.T) (*Ledger, *memstore.Store) {
	t.Helper()
	clock := tickingClock()
	store := memstore.New().WithClock(clock)
	return NewLedger(store, NewPendingStore(), zap.NewNop(), WithClock(clock)), store
}

func TestTraceLifecycle(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	traceID, err := ledger.StartTrace(ctx, "bounce_processing", "email", "jane@example.org", StartOptions{
		Input: map[string]string{"provider": "ses"},
	})
	require.NoError(t, err)

	for _, id := range []string{"validate", "classify", "persist"} {
		require.NoError(t, ledger.AddVerificationCheck(ctx, traceID, id, id+" step", CheckPassed, nil))
	}

	rows, err := store.ListTraceRows(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, db.TraceStatusPending, rows[0].Status)
	assert.Len(t, rows[0].VerificationChecks, 3, "pending row carries checks so far")

	require.NoError(t, ledger.CompleteTrace(ctx, traceID, db.TraceStatusSuccess, map[string]string{"action": "recorded"}, nil))

	rows, err = store.ListTraceRows(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	final := rows[1]
	assert.Equal(t, db.TraceActionComplete, final.Action)
	assert.Equal(t, db.TraceStatusSuccess, final.Status)
	require.Len(t, final.VerificationChecks, 3)
	assert.Equal(t, "validate", final.VerificationChecks[0].CheckID)
	assert.Equal(t, "classify", final.VerificationChecks[1].CheckID)
	assert.Equal(t, "persist", final.VerificationChecks[2].CheckID)
	require.NotNil(t, final.DurationMS)
	assert.Equal(t, int64(4000), *final.DurationMS)
	assert.Equal(t, 0, ledger.pending.Len())

	err = ledger.AddVerificationCheck(ctx, traceID, "late", "late", CheckPassed, nil)
	assert.True(t, errors.Is(err, ErrTraceNotFound))

	err = ledger.CompleteTrace(ctx, traceID, db.TraceStatusSuccess, nil, nil)
	assert.True(t, errors.Is(err, ErrTraceNotFound))
}

func TestCompleteTrace_FailureRecordsError(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	traceID, err := ledger.StartTrace(ctx, "reply_processing", "reply", "msg-1", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, ledger.CompleteTrace(ctx, traceID, db.TraceStatusFailure, nil, errors.New("db down")))

	rows, err := store.ListTraceRows(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[1].ErrorMessage)
	assert.Equal(t, "db down", *rows[1].ErrorMessage)
}

func TestCompleteTrace_InvalidStatus(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	traceID, err := ledger.StartTrace(ctx, "x", "lead", "1", StartOptions{})
	require.NoError(t, err)

	err = ledger.CompleteTrace(ctx, traceID, db.TraceStatusPending, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, ledger.pending.Len(), "trace stays pending after a rejected completion")
}

func TestCompleteUnknownTrace(t *testing.T) {
	ledger, _ := newTestLedger(t)
	err := ledger.CompleteTrace(context.Background(), uuid.New(), db.TraceStatusSuccess, nil, nil)
	assert.True(t, errors.Is(err, ErrTraceNotFound))
}

func TestStartTrace_ParentFromContext(t *testing.T) {
	ledger, store := newTestLedger(t)
	parent := uuid.New()
	ctx := ContextWithTrace(context.Background(), parent)

	traceID, err := ledger.StartTrace(ctx, "segment_reconciliation", "lead", "7", StartOptions{})
	require.NoError(t, err)

	rows, err := store.ListTraceRows(ctx, traceID)
	require.NoError(t, err)
	require.NotNil(t, rows[0].ParentTraceID)
	assert.Equal(t, parent, *rows[0].ParentTraceID)
}

func runTrace(t *testing.T, l *Ledger, ctx context.Context, entityType, entityID string, parent *uuid.UUID) uuid.UUID {
	t.Helper()
	id, err := l.StartTrace(ctx, "op", entityType, entityID, StartOptions{ParentTraceID: parent})
	require.NoError(t, err)
	require.NoError(t, l.CompleteTrace(ctx, id, db.TraceStatusSuccess, nil, nil))
	return id
}

func TestBuildTracebackChain(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	send := runTrace(t, ledger, ctx, "email_send", "s-1", nil)
	bounce := runTrace(t, ledger, ctx, "bounce", "b-1", &send)
	first := runTrace(t, ledger, ctx, "lead", "L", nil)
	second := runTrace(t, ledger, ctx, "lead", "L", &bounce)
	runTrace(t, ledger, ctx, "lead", "other", nil)

	chain, err := ledger.BuildTracebackChain(ctx, "lead", "L", 10)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, tr := range chain {
		ids = append(ids, tr.TraceID)
	}
	assert.Equal(t, []uuid.UUID{send, bounce, first, second}, ids)
	assert.Equal(t, db.TraceStatusSuccess, chain[0].Status)
	assert.NotNil(t, chain[0].CompletedAt)
}

func TestBuildTracebackChain_MaxDepth(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, runTrace(t, ledger, ctx, "lead", "L", nil))
	}

	chain, err := ledger.BuildTracebackChain(ctx, "lead", "L", 2)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, ids[3], chain[0].TraceID)
	assert.Equal(t, ids[4], chain[1].TraceID)
}

func TestBuildTracebackChain_Empty(t *testing.T) {
	ledger, _ := newTestLedger(t)
	chain, err := ledger.BuildTracebackChain(context.Background(), "lead", "none", 5)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestBuildTracebackChain_ParentCycle(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	a := runTrace(t, ledger, ctx, "lead", "L", nil)
	runTrace(t, ledger, ctx, "lead", "L", &a)
	runTrace(t, ledger, ctx, "lead", "L", &a)

	chain, err := ledger.BuildTracebackChain(ctx, "lead", "L", 10)
	require.NoError(t, err)
	assert.Len(t, chain, 3)
}

func TestEraseAuditTrail_PreservesRows(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := ledger.StartTrace(ctx, "op", "lead", "L", StartOptions{
			Input:    map[string]string{"email": "jane@example.org"},
			Metadata: map[string]any{"source": "test"},
		})
		require.NoError(t, err)
		require.NoError(t, ledger.CompleteTrace(ctx, id, db.TraceStatusSuccess, map[string]int{"n": i}, nil))
	}
	runTrace(t, ledger, ctx, "lead", "keep", nil)

	before := len(store.AllTraces())
	n, err := ledger.EraseAuditTrail(ctx, "lead", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	all := store.AllTraces()
	assert.Len(t, all, before, "erase never deletes rows")

	erased := 0
	for _, row := range all {
		if row.EntityID != nil {
			assert.Equal(t, "keep", *row.EntityID)
			continue
		}
		erased++
		assert.Nil(t, row.InputData)
		assert.Nil(t, row.OutputData)
		assert.Equal(t, true, row.Metadata["erased"])
		assert.Equal(t, "test", row.Metadata["source"])
	}
	assert.Equal(t, 6, erased)

	remaining, err := store.ListTracesByEntity(ctx, "lead", "L")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestEraseAuditTrail_ScrubsPendingTrace(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	id, err := ledger.StartTrace(ctx, "op", "lead", "L", StartOptions{Input: map[string]string{"k": "v"}})
	require.NoError(t, err)

	_, err = ledger.EraseAuditTrail(ctx, "lead", "L")
	require.NoError(t, err)
	require.NoError(t, ledger.CompleteTrace(ctx, id, db.TraceStatusSuccess, nil, nil))

	rows, err := store.ListTraceRows(ctx, id)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Nil(t, row.EntityID)
		assert.Equal(t, true, row.Metadata["erased"])
	}
}

func TestEraseAuditTrail_DropsCheckDetailsAndErrors(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	done, err := ledger.StartTrace(ctx, "op", "lead", "L", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, ledger.AddVerificationCheck(ctx, done, "suppress", "Recipient suppressed", CheckPassed,
		map[string]any{"domain": "school.org"}))
	require.NoError(t, ledger.CompleteTrace(ctx, done, db.TraceStatusFailure, nil, errors.New("lead jane@school.org locked")))

	open, err := ledger.StartTrace(ctx, "op", "lead", "L", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, ledger.AddVerificationCheck(ctx, open, "thread", "Thread resolved", CheckPassed,
		map[string]any{"thread_id": "t-1"}))

	_, err = ledger.EraseAuditTrail(ctx, "lead", "L")
	require.NoError(t, err)

	require.NoError(t, ledger.AddVerificationCheck(ctx, open, "classify", "Reply classified", CheckPassed,
		map[string]any{"reply_id": "r-1"}))
	require.NoError(t, ledger.CompleteTrace(ctx, open, db.TraceStatusFailure, map[string]string{"lead": "L"}, errors.New("reply r-1 failed")))

	checks := 0
	for _, row := range store.AllTraces() {
		assert.Nil(t, row.EntityID)
		assert.Nil(t, row.ErrorMessage)
		assert.Nil(t, row.OutputData)
		for _, c := range row.VerificationChecks {
			checks++
			assert.NotEmpty(t, c.CheckName)
			assert.Nil(t, c.Details, c.CheckID)
		}
	}
	assert.Positive(t, checks)
}

func TestExportAuditTrail(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	id, err := ledger.StartTrace(ctx, "op", "lead", "L", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, ledger.AddVerificationCheck(ctx, id, "c1", "check one", CheckPassed, map[string]any{"k": "v"}))
	require.NoError(t, ledger.CompleteTrace(ctx, id, db.TraceStatusSuccess, nil, nil))

	jsonOut, err := ledger.ExportAuditTrail(ctx, "lead", "L", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", jsonOut.ContentType)

	var decoded jsonExport
	require.NoError(t, json.Unmarshal(jsonOut.Body, &decoded))
	assert.Equal(t, 1, decoded.TraceCount)
	assert.Equal(t, id, decoded.Traces[0].TraceID)
	assert.Len(t, decoded.Traces[0].VerificationChecks, 1)

	csvOut, err := ledger.ExportAuditTrail(ctx, "lead", "L", FormatCSV)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(csvOut.Body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, id.String(), records[1][0])
	assert.Equal(t, "L", records[1][4])

	_, err = ledger.ExportAuditTrail(ctx, "lead", "L", "xml")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

type failingStore struct {
	*memstore.Store
}

func (f failingStore) InsertTrace(context.Context, *db.AuditTrace) error {
	return errors.New("insert failed")
}

func TestLogEvent_SwallowsErrors(t *testing.T) {
	ledger := NewLedger(failingStore{memstore.New()}, NewPendingStore(), zap.NewNop())
	assert.NotPanics(t, func() {
		ledger.LogEvent(context.Background(), "email_suppressed", "email", "x", map[string]any{"reason": "hard_bounce"})
	})
}

func TestLogEvent_Writes(t *testing.T) {
	ledger, store := newTestLedger(t)
	ledger.LogEvent(context.Background(), "email_suppressed", "email", "x", map[string]any{"reason": "hard_bounce"})

	rows, err := store.ListTracesByEntity(context.Background(), "email", "x")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "log", rows[0].Action)
}

func TestStartTrace_StoreFailure(t *testing.T) {
	ledger := NewLedger(failingStore{memstore.New()}, NewPendingStore(), zap.NewNop())
	_, err := ledger.StartTrace(context.Background(), "op", "lead", "1", StartOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, ledger.pending.Len())
}
