package bounce

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/db/memstore"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/suppression"
)

func TestClassifyType(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		code   string
		want   Type
	}{
		{"unknown user", "550 5.1.1 User unknown", "550", TypeHard},
		{"hard wins over soft", "Mailbox full; user unknown", "", TypeHard},
		{"mailbox full", "Mailbox full", "", TypeSoft},
		{"over quota code", "recipient over quota", "452", TypeSoft},
		{"soft wins over transient", "Mailbox full, try again later", "", TypeSoft},
		{"rate limited", "Rate limit exceeded", "", TypeTransient},
		{"connection timeout", "Connection timed out", "", TypeTransient},
		{"code fallback 5xx", "rejected", "554", TypeHard},
		{"code fallback 4xx", "deferred", "447", TypeSoft},
		{"no signal", "something odd happened", "", TypeUnknown},
		{"non smtp code", "whatever", "2.0.0", TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyType(tt.reason, tt.code))
		})
	}
}

func TestClassify_CategoryAndSeverity(t *testing.T) {
	tests := []struct {
		reason      string
		code        string
		category    string
		subcategory string
		severity    string
	}{
		{"No such domain", "550", CategoryInvalidDomain, SubcategoryDomainNotFound, SeverityCritical},
		{"User unknown", "550", CategoryInvalidEmail, SubcategoryUnknownRecipient, SeverityHigh},
		{"Mailbox full", "452", CategoryMailboxIssue, SubcategoryMailboxFull, SeverityMedium},
		{"Message blocked by spam policy", "451", CategoryDeliveryBlocked, SubcategoryPolicyBlock, SeverityLow},
		{"Connection timed out", "", CategoryNetworkIssue, SubcategoryConnection, SeverityLow},
		{"odd", "", CategoryOther, SubcategoryUnclassified, SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			c := Classify(tt.reason, tt.code)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.subcategory, c.Subcategory)
			assert.Equal(t, tt.severity, c.Severity)
		})
	}
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Hour, RetryDelay(0))
	assert.Equal(t, 4*time.Hour, RetryDelay(1))
	assert.Equal(t, 12*time.Hour, RetryDelay(2))
	assert.Equal(t, 24*time.Hour, RetryDelay(3))
	assert.Equal(t, 24*time.Hour, RetryDelay(10))
	assert.Equal(t, time.Hour, RetryDelay(-1))

	assert.Equal(t, 3, MaxRetries(TypeSoft))
	assert.Equal(t, 5, MaxRetries(TypeTransient))
	assert.Equal(t, 0, MaxRetries(TypeHard))
}

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestProcessor(t *testing.T) (*Processor, *memstore.Store) {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := memstore.New().WithClock(clock)
	ledger := audit.NewLedger(store, audit.NewPendingStore(), zap.NewNop(), audit.WithClock(clock))
	supp := suppression.NewService(store, zap.NewNop()).WithClock(clock)
	return NewProcessor(store, supp, ledger, zap.NewNop()).WithClock(clock), store
}

func TestProcessBounce_HardSuppresses(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	send := &db.EmailSendRecord{ID: uuid.New(), ToEmail: "jane@example.org", Status: db.SendStatusSent, Provider: "ses"}
	require.NoError(t, store.CreateSend(ctx, send))

	res, err := p.ProcessBounce(ctx, Event{
		Provider:          "ses",
		ProviderMessageID: "msg-1",
		RecipientEmail:    "Jane@Example.org",
		BounceReason:      "550 5.1.1 user unknown",
		BounceCode:        "550",
		EmailLogID:        &send.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ActionSuppressed, res.Action)
	assert.Equal(t, TypeHard, res.BounceType)
	assert.True(t, res.IsSuppressed)

	suppressed, err := store.IsSuppressed(ctx, "jane@example.org")
	require.NoError(t, err)
	assert.True(t, suppressed)

	d, err := store.GetDomainSuppression(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, 1, d.BounceCount)

	b, err := store.GetBounce(ctx, res.BounceID)
	require.NoError(t, err)
	assert.True(t, b.IsSuppressed)
	assert.Nil(t, b.NextRetryAt)

	s, err := store.GetSend(ctx, send.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SendStatusBounced, s.Status)

	rows, err := store.ListTraceRows(ctx, res.TraceID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	final := rows[1]
	assert.Equal(t, db.TraceStatusSuccess, final.Status)
	var ids []string
	for _, c := range final.VerificationChecks {
		ids = append(ids, c.CheckID)
	}
	assert.Equal(t, []string{"classify", "send_status", "suppress"}, ids)
}

func TestProcessBounce_SoftSchedulesRetry(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	res, err := p.ProcessBounce(ctx, Event{
		Provider:          "ses",
		ProviderMessageID: "msg-2",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "Mailbox full",
		BounceCode:        "452",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRetryScheduled, res.Action)
	assert.Equal(t, SeverityMedium, res.Severity)
	require.NotNil(t, res.NextRetryAt)
	assert.Equal(t, testNow.Add(time.Hour), *res.NextRetryAt)

	b, err := store.GetBounce(ctx, res.BounceID)
	require.NoError(t, err)
	assert.Equal(t, 3, b.MaxRetries)
	require.NotNil(t, b.NextRetryAt)

	suppressed, err := store.IsSuppressed(ctx, "sam@example.org")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestProcessBounce_TransientGetsFiveRetries(t *testing.T) {
	p, store := newTestProcessor(t)

	res, err := p.ProcessBounce(context.Background(), Event{
		ProviderMessageID: "msg-3",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "Connection timed out",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRetryScheduled, res.Action)

	b, err := store.GetBounce(context.Background(), res.BounceID)
	require.NoError(t, err)
	assert.Equal(t, 5, b.MaxRetries)
}

func TestProcessBounce_UnknownIsRecorded(t *testing.T) {
	p, _ := newTestProcessor(t)

	res, err := p.ProcessBounce(context.Background(), Event{
		ProviderMessageID: "msg-4",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "something odd happened",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRecorded, res.Action)
	assert.Equal(t, TypeUnknown, res.BounceType)
	assert.Nil(t, res.NextRetryAt)
}

func TestProcessBounce_Deduplicates(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()
	ev := Event{
		Provider:          "ses",
		ProviderMessageID: "msg-5",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "Mailbox full",
		BounceCode:        "452",
	}

	first, err := p.ProcessBounce(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 0, first.RetryCount)

	// A differing reason on the duplicate must not re-classify.
	ev.BounceReason = "user unknown"
	second, err := p.ProcessBounce(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, ActionDeduplicated, second.Action)
	assert.Equal(t, first.BounceID, second.BounceID)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, TypeSoft, second.BounceType)
	assert.Equal(t, 1, store.CountBounces())

	suppressed, err := store.IsSuppressed(ctx, "sam@example.org")
	require.NoError(t, err)
	assert.False(t, suppressed)

	rows, err := store.ListTraceRows(ctx, second.TraceID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Len(t, rows[1].VerificationChecks, 1)
	assert.Equal(t, "dedup", rows[1].VerificationChecks[0].CheckID)
}

func TestProcessBounce_TerminalSendUntouched(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	send := &db.EmailSendRecord{ID: uuid.New(), ToEmail: "sam@example.org", Status: db.SendStatusReplied}
	require.NoError(t, store.CreateSend(ctx, send))

	_, err := p.ProcessBounce(ctx, Event{
		ProviderMessageID: "msg-6",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "Mailbox full",
		EmailLogID:        &send.ID,
	})
	require.NoError(t, err)

	s, err := store.GetSend(ctx, send.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SendStatusReplied, s.Status)
}

func TestProcessBounce_Validation(t *testing.T) {
	p, store := newTestProcessor(t)

	_, err := p.ProcessBounce(context.Background(), Event{ProviderMessageID: "msg-7", RecipientEmail: "not-an-email"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lead.ErrInvalidEmail))

	var verr *lead.ValidationError
	_, err = p.ProcessBounce(context.Background(), Event{RecipientEmail: "sam@example.org"})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "providerMessageId", verr.Field)

	assert.Equal(t, 0, store.CountBounces())
	assert.Empty(t, store.AllTraces())
}

type failingBounceStore struct {
	*memstore.Store
}

func (failingBounceStore) InsertOrIncrementBounce(context.Context, *db.Bounce) (bool, error) {
	return false, errors.New("connection refused")
}

func TestProcessBounce_StoreErrorCompletesFailureTrace(t *testing.T) {
	store := memstore.New()
	ledger := audit.NewLedger(store, audit.NewPendingStore(), zap.NewNop())
	p := NewProcessor(failingBounceStore{store}, suppression.NewService(store, zap.NewNop()), ledger, zap.NewNop())

	_, err := p.ProcessBounce(context.Background(), Event{
		ProviderMessageID: "msg-8",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "Mailbox full",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	traces := store.AllTraces()
	require.Len(t, traces, 2)
	assert.Equal(t, db.TraceStatusFailure, traces[1].Status)
	require.NotNil(t, traces[1].ErrorMessage)
	assert.Contains(t, *traces[1].ErrorMessage, "connection refused")
}

func TestEventBounceCode_StringOrNumber(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Code
	}{
		{"string", `{"bounceCode":"550"}`, "550"},
		{"enhanced status", `{"bounceCode":"5.1.1"}`, "5.1.1"},
		{"number", `{"bounceCode":550}`, "550"},
		{"null", `{"bounceCode":null}`, ""},
		{"missing", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev Event
			require.NoError(t, json.Unmarshal([]byte(tt.body), &ev))
			assert.Equal(t, tt.want, ev.BounceCode)
		})
	}

	var ev Event
	assert.Error(t, json.Unmarshal([]byte(`{"bounceCode":true}`), &ev))
}

func TestProcessBounce_RetryChainContinuesCount(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	prior := &db.Bounce{
		ID:                uuid.New(),
		Provider:          "ses",
		ProviderMessageID: "msg-first",
		RecipientEmail:    "sam@example.org",
		BounceType:        string(TypeSoft),
		RetryCount:        1,
		MaxRetries:        3,
	}
	_, err := store.InsertOrIncrementBounce(ctx, prior)
	require.NoError(t, err)

	retry := &db.EmailSendRecord{ID: uuid.New(), ToEmail: "sam@example.org", Status: db.SendStatusSent, Provider: "ses", RetryOfBounceID: &prior.ID}
	require.NoError(t, store.CreateSend(ctx, retry))

	res, err := p.ProcessBounce(ctx, Event{
		Provider:          "ses",
		ProviderMessageID: "msg-second",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "Mailbox full",
		BounceCode:        "452",
		EmailLogID:        &retry.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRetryScheduled, res.Action)
	assert.Equal(t, 2, res.RetryCount)
	require.NotNil(t, res.NextRetryAt)
	assert.Equal(t, testNow.Add(12*time.Hour), *res.NextRetryAt)

	// third bounce in the chain hits max_retries
	last := &db.EmailSendRecord{ID: uuid.New(), ToEmail: "sam@example.org", Status: db.SendStatusSent, Provider: "ses", RetryOfBounceID: &res.BounceID}
	require.NoError(t, store.CreateSend(ctx, last))

	res, err = p.ProcessBounce(ctx, Event{
		Provider:          "ses",
		ProviderMessageID: "msg-third",
		RecipientEmail:    "sam@example.org",
		BounceReason:      "Mailbox full",
		BounceCode:        "452",
		EmailLogID:        &last.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRetriesExhausted, res.Action)
	assert.Equal(t, 3, res.RetryCount)
	assert.Nil(t, res.NextRetryAt)

	b, err := store.GetBounce(ctx, res.BounceID)
	require.NoError(t, err)
	assert.Nil(t, b.NextRetryAt)
}
