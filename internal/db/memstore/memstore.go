// Package memstore is an in-memory implementation of the db.Repository
// methods. It enforces the same unique keys and upsert rules as the SQL
// schema and backs STORE_DRIVER=memory as well as the service tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/mailcore/internal/db"
)

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	leads        map[uuid.UUID]*db.Lead
	leadsByEmail map[string]uuid.UUID

	sends   map[uuid.UUID]*db.EmailSendRecord
	bounces map[uuid.UUID]*db.Bounce
	// provider_message_id + "\x00" + recipient_email
	bounceKeys map[string]uuid.UUID

	suppressions map[string]*db.SuppressionEntry
	domains      map[string]*db.DomainSuppression

	threads       map[uuid.UUID]*db.EmailThread
	threadsByOrig map[string]uuid.UUID
	replies       map[string]*db.Reply

	sequences []*db.LeadSequence
	segments  []*db.LeadSegment
	conflicts []*db.SegmentConflict
	traces    []*db.AuditTrace
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:           time.Now,
		leads:         make(map[uuid.UUID]*db.Lead),
		leadsByEmail:  make(map[string]uuid.UUID),
		sends:         make(map[uuid.UUID]*db.EmailSendRecord),
		bounces:       make(map[uuid.UUID]*db.Bounce),
		bounceKeys:    make(map[string]uuid.UUID),
		suppressions:  make(map[string]*db.SuppressionEntry),
		domains:       make(map[string]*db.DomainSuppression),
		threads:       make(map[uuid.UUID]*db.EmailThread),
		threadsByOrig: make(map[string]uuid.UUID),
		replies:       make(map[string]*db.Reply),
	}
}

// WithClock replaces the clock used for created_at/updated_at stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, db.ErrNotFound)
}

// Leads

func (s *Store) UpsertLead(_ context.Context, lead *db.Lead) (*db.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.leadsByEmail[lead.Email]; ok {
		existing := s.leads[id]
		if existing.LeadType == "" {
			existing.LeadType = lead.LeadType
		}
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}

	stored := *lead
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.leads[stored.ID] = &stored
	s.leadsByEmail[stored.Email] = stored.ID
	cp := stored
	return &cp, nil
}

func (s *Store) GetLead(_ context.Context, id uuid.UUID) (*db.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return nil, notFound("lead")
	}
	cp := *l
	return &cp, nil
}

func (s *Store) FindLeadByEmail(_ context.Context, email string) (*db.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.leadsByEmail[email]
	if !ok {
		return nil, notFound("lead")
	}
	cp := *s.leads[id]
	return &cp, nil
}

func (s *Store) AnonymizeLead(_ context.Context, id uuid.UUID, email, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return notFound("lead")
	}
	delete(s.leadsByEmail, l.Email)
	l.Email = email
	l.Fingerprint = fingerprint
	l.AnonymizedAt = &at
	l.UpdatedAt = s.now()
	s.leadsByEmail[email] = id
	return nil
}

func (s *Store) MarkLeadSuppressed(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.leadsByEmail[email]; ok {
		s.leads[id].Status = db.LeadStatusSuppressed
		s.leads[id].UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) SetLeadType(_ context.Context, id uuid.UUID, leadType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return notFound("lead")
	}
	l.LeadType = leadType
	l.UpdatedAt = s.now()
	return nil
}

// Sends

func (s *Store) CreateSend(_ context.Context, send *db.EmailSendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sends[send.ID]; ok {
		return fmt.Errorf("insert send record: duplicate id %s", send.ID)
	}
	now := s.now()
	send.CreatedAt = now
	send.UpdatedAt = now
	cp := *send
	s.sends[send.ID] = &cp
	return nil
}

func (s *Store) GetSend(_ context.Context, id uuid.UUID) (*db.EmailSendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	send, ok := s.sends[id]
	if !ok {
		return nil, notFound("send record")
	}
	cp := *send
	return &cp, nil
}

func (s *Store) FindSendByMessageID(_ context.Context, messageID string) (*db.EmailSendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, send := range s.sends {
		if send.ProviderMessageID != nil && *send.ProviderMessageID == messageID {
			cp := *send
			return &cp, nil
		}
	}
	return nil, notFound("send record")
}

func (s *Store) MarkSendStatus(_ context.Context, id uuid.UUID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	send, ok := s.sends[id]
	if !ok || db.IsTerminalSendStatus(send.Status) {
		return false, nil
	}
	send.Status = status
	send.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) GetQueuedSends(_ context.Context, limit int) ([]*db.EmailSendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*db.EmailSendRecord
	for _, send := range s.sends {
		if send.Status != db.SendStatusQueued {
			continue
		}
		if send.NextAttemptAt != nil && send.NextAttemptAt.After(now) {
			continue
		}
		cp := *send
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkSendSent(_ context.Context, id uuid.UUID, providerMessageID string, attempt int, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	send, ok := s.sends[id]
	if !ok {
		return notFound("send record")
	}
	send.Status = db.SendStatusSent
	send.ProviderMessageID = &providerMessageID
	send.Attempt = attempt
	send.SentAt = &sentAt
	send.ErrorMessage = nil
	send.NextAttemptAt = nil
	send.UpdatedAt = s.now()
	return nil
}

func (s *Store) RescheduleSend(_ context.Context, id uuid.UUID, attempt int, errorMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if send, ok := s.sends[id]; ok {
		send.Attempt = attempt
		send.ErrorMessage = &errorMsg
		send.NextAttemptAt = &nextAttemptAt
		send.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) FailSend(_ context.Context, id uuid.UUID, attempt int, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if send, ok := s.sends[id]; ok {
		send.Status = db.SendStatusFailed
		send.Attempt = attempt
		send.ErrorMessage = &errorMsg
		send.NextAttemptAt = nil
		send.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) SetSendThread(_ context.Context, id, threadID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if send, ok := s.sends[id]; ok {
		send.ThreadID = &threadID
		send.UpdatedAt = s.now()
	}
	return nil
}

// Bounces

func bounceKey(messageID, email string) string {
	return messageID + "\x00" + email
}

func (s *Store) InsertOrIncrementBounce(_ context.Context, b *db.Bounce) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := bounceKey(b.ProviderMessageID, b.RecipientEmail)
	if id, ok := s.bounceKeys[key]; ok {
		existing := s.bounces[id]
		existing.RetryCount++
		existing.UpdatedAt = now
		*b = *existing
		return false, nil
	}

	stored := *b
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.bounces[stored.ID] = &stored
	s.bounceKeys[key] = stored.ID
	*b = stored
	return true, nil
}

func (s *Store) GetBounce(_ context.Context, id uuid.UUID) (*db.Bounce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bounces[id]
	if !ok {
		return nil, notFound("bounce")
	}
	cp := *b
	return &cp, nil
}

// CountBounces returns the number of stored bounce rows.
func (s *Store) CountBounces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bounces)
}

func (s *Store) ScheduleBounceRetry(_ context.Context, id uuid.UUID, maxRetries int, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bounces[id]; ok {
		b.MaxRetries = maxRetries
		b.NextRetryAt = &nextRetryAt
		b.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) MarkBounceSuppressed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bounces[id]; ok {
		b.IsSuppressed = true
		b.NextRetryAt = nil
		b.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) ListDueBounceRetries(_ context.Context, now time.Time, limit int) ([]*db.Bounce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Bounce
	for _, b := range s.bounces {
		if b.NextRetryAt == nil || b.NextRetryAt.After(now) {
			continue
		}
		if b.RetryCount >= b.MaxRetries || b.IsSuppressed {
			continue
		}
		if _, suppressed := s.suppressions[b.RecipientEmail]; suppressed {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClearBounceRetry(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bounces[id]; ok {
		b.NextRetryAt = nil
		b.UpdatedAt = s.now()
	}
	return nil
}

// Suppression

func (s *Store) UpsertSuppression(_ context.Context, email, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.suppressions[email] = &db.SuppressionEntry{Email: email, Reason: reason, SuppressedAt: at}
	return nil
}

func (s *Store) GetSuppression(_ context.Context, email string) (*db.SuppressionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.suppressions[email]
	if !ok {
		return nil, notFound("suppression")
	}
	cp := *e
	return &cp, nil
}

func (s *Store) IsSuppressed(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.suppressions[email]
	return ok, nil
}

// CountSuppressions returns the size of the suppression list.
func (s *Store) CountSuppressions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.suppressions)
}

func (s *Store) IncrementDomainSuppression(_ context.Context, domain string, at time.Time) (*db.DomainSuppression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[domain]
	if !ok {
		d = &db.DomainSuppression{Domain: domain, CreatedAt: s.now()}
		s.domains[domain] = d
	}
	d.BounceCount++
	d.LastBounceAt = at
	cp := *d
	return &cp, nil
}

func (s *Store) GetDomainSuppression(_ context.Context, domain string) (*db.DomainSuppression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[domain]
	if !ok {
		return nil, notFound("domain suppression")
	}
	cp := *d
	return &cp, nil
}

// Threads

func copyThread(t *db.EmailThread) *db.EmailThread {
	cp := *t
	cp.ParticipantEmails = append([]string(nil), t.ParticipantEmails...)
	return &cp
}

func (s *Store) FindThreadByMessageID(_ context.Context, messageID string) (*db.EmailThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.threads {
		if t.OriginalMessageID == messageID || t.LatestMessageID == messageID {
			return copyThread(t), nil
		}
	}
	if r, ok := s.replies[messageID]; ok {
		if t, ok := s.threads[r.ThreadID]; ok {
			return copyThread(t), nil
		}
	}
	for _, send := range s.sends {
		if send.ThreadID == nil || send.ProviderMessageID == nil || *send.ProviderMessageID != messageID {
			continue
		}
		if t, ok := s.threads[*send.ThreadID]; ok {
			return copyThread(t), nil
		}
	}
	return nil, notFound("thread")
}

func (s *Store) GetOrCreateThread(_ context.Context, t *db.EmailThread) (*db.EmailThread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.threadsByOrig[t.OriginalMessageID]; ok {
		return copyThread(s.threads[id]), false, nil
	}
	stored := copyThread(t)
	if stored.ParticipantEmails == nil {
		stored.ParticipantEmails = []string{}
	}
	stored.CreatedAt = s.now()
	s.threads[stored.ID] = stored
	s.threadsByOrig[stored.OriginalMessageID] = stored.ID
	return copyThread(stored), true, nil
}

func (s *Store) TouchThread(_ context.Context, id uuid.UUID, latestMessageID, participant string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return notFound("thread")
	}
	t.LatestMessageID = latestMessageID
	t.MessageCount++
	t.LastActivityAt = at
	if participant != "" {
		found := false
		for _, p := range t.ParticipantEmails {
			if p == participant {
				found = true
				break
			}
		}
		if !found {
			t.ParticipantEmails = append(t.ParticipantEmails, participant)
		}
	}
	return nil
}

// GetThread returns a thread by ID.
func (s *Store) GetThread(_ context.Context, id uuid.UUID) (*db.EmailThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return nil, notFound("thread")
	}
	return copyThread(t), nil
}

// Replies

func (s *Store) IncrementReplyOccurrence(_ context.Context, providerMessageID string) (*db.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replies[providerMessageID]
	if !ok {
		return nil, notFound("reply")
	}
	r.OccurrenceCount++
	cp := *r
	return &cp, nil
}

func (s *Store) InsertReply(_ context.Context, reply *db.Reply) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.replies[reply.ProviderMessageID]; ok {
		existing.OccurrenceCount++
		reply.ID = existing.ID
		reply.ThreadID = existing.ThreadID
		reply.LeadID = existing.LeadID
		reply.AutomationPaused = existing.AutomationPaused
		reply.OccurrenceCount = existing.OccurrenceCount
		reply.CreatedAt = existing.CreatedAt
		return false, nil
	}
	reply.CreatedAt = s.now()
	cp := *reply
	s.replies[reply.ProviderMessageID] = &cp
	return true, nil
}

func (s *Store) MarkReplyAutomationPaused(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.replies {
		if r.ID == id {
			r.AutomationPaused = true
		}
	}
	return nil
}

// GetReply returns a stored reply by provider message id.
func (s *Store) GetReply(_ context.Context, providerMessageID string) (*db.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replies[providerMessageID]
	if !ok {
		return nil, notFound("reply")
	}
	cp := *r
	return &cp, nil
}

// CountReplies returns the number of stored replies.
func (s *Store) CountReplies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

// Sequences

func (s *Store) EnrollLeadSequence(_ context.Context, seq *db.LeadSequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seq.CreatedAt = now
	seq.UpdatedAt = now
	cp := *seq
	s.sequences = append(s.sequences, &cp)
	return nil
}

func (s *Store) ListLeadSequences(_ context.Context, leadID uuid.UUID) ([]*db.LeadSequence, error) {
	return s.filterSequences(func(seq *db.LeadSequence) bool { return seq.LeadID == leadID }), nil
}

func (s *Store) ListActiveSequences(_ context.Context, leadID uuid.UUID) ([]*db.LeadSequence, error) {
	return s.filterSequences(func(seq *db.LeadSequence) bool {
		return seq.LeadID == leadID && seq.Status == db.SequenceStatusActive
	}), nil
}

func (s *Store) filterSequences(keep func(*db.LeadSequence) bool) []*db.LeadSequence {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.LeadSequence
	for _, seq := range s.sequences {
		if keep(seq) {
			cp := *seq
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Store) PauseActiveSequences(_ context.Context, leadID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	return s.pause(func(seq *db.LeadSequence) bool { return seq.LeadID == leadID }, reason, at), nil
}

func (s *Store) PauseSequences(_ context.Context, ids []uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return s.pause(func(seq *db.LeadSequence) bool { return want[seq.ID] }, reason, at), nil
}

func (s *Store) pause(match func(*db.LeadSequence) bool, reason string, at time.Time) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paused []uuid.UUID
	for _, seq := range s.sequences {
		if seq.Status != db.SequenceStatusActive || !match(seq) {
			continue
		}
		r := reason
		t := at
		seq.Status = db.SequenceStatusPaused
		seq.PauseReason = &r
		seq.PausedAt = &t
		seq.UpdatedAt = s.now()
		paused = append(paused, seq.ID)
	}
	return paused
}

// Segments

func (s *Store) AssignSegment(_ context.Context, seg *db.LeadSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *seg
	s.segments = append(s.segments, &cp)
	return nil
}

func (s *Store) ListActiveLeadSegments(_ context.Context, leadID uuid.UUID) ([]*db.LeadSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.LeadSegment
	for _, seg := range s.segments {
		if seg.LeadID == leadID && seg.IsActive {
			cp := *seg
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		if a.ConfidenceScore != b.ConfidenceScore {
			return a.ConfidenceScore > b.ConfidenceScore
		}
		if !a.AssignedAt.Equal(b.AssignedAt) {
			return a.AssignedAt.Before(b.AssignedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

func (s *Store) ApplyPrimarySegment(_ context.Context, leadID, segmentID uuid.UUID, segmentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[leadID]
	if !ok {
		return notFound("lead")
	}
	for _, seg := range s.segments {
		if seg.LeadID == leadID {
			seg.IsPrimary = seg.ID == segmentID
		}
	}
	l.LeadType = segmentName
	l.UpdatedAt = s.now()
	return nil
}

func (s *Store) InsertSegmentConflict(_ context.Context, c *db.SegmentConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.CreatedAt = s.now()
	cp := *c
	cp.ConflictingSegmentIDs = append([]uuid.UUID(nil), c.ConflictingSegmentIDs...)
	s.conflicts = append(s.conflicts, &cp)
	return nil
}

func (s *Store) ListSegmentConflicts(_ context.Context, leadID uuid.UUID) ([]*db.SegmentConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.SegmentConflict
	for _, c := range s.conflicts {
		if c.LeadID == leadID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Audit

func copyTrace(t *db.AuditTrace) *db.AuditTrace {
	cp := *t
	cp.VerificationChecks = append([]db.VerificationCheck(nil), t.VerificationChecks...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.EntityID != nil {
		id := *t.EntityID
		cp.EntityID = &id
	}
	return &cp
}

func (s *Store) InsertTrace(_ context.Context, t *db.AuditTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.InputData != nil && !json.Valid(t.InputData) {
		return fmt.Errorf("insert trace: invalid input json")
	}
	if t.OutputData != nil && !json.Valid(t.OutputData) {
		return fmt.Errorf("insert trace: invalid output json")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	s.traces = append(s.traces, copyTrace(t))
	return nil
}

func (s *Store) UpdatePendingChecks(_ context.Context, traceID uuid.UUID, checks []db.VerificationCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.traces {
		if t.TraceID == traceID && t.Action == db.TraceActionStart {
			t.VerificationChecks = append([]db.VerificationCheck(nil), checks...)
			return nil
		}
	}
	return notFound("trace")
}

func (s *Store) ListTracesByEntity(_ context.Context, entityType, entityID string) ([]*db.AuditTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.AuditTrace
	for _, t := range s.traces {
		if t.EntityType == entityType && t.EntityID != nil && *t.EntityID == entityID {
			out = append(out, copyTrace(t))
		}
	}
	return out, nil
}

func (s *Store) ListTraceRows(_ context.Context, traceID uuid.UUID) ([]*db.AuditTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.AuditTrace
	for _, t := range s.traces {
		if t.TraceID == traceID {
			out = append(out, copyTrace(t))
		}
	}
	return out, nil
}

func (s *Store) EraseTraces(_ context.Context, entityType, entityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.traces {
		if t.EntityType != entityType || t.EntityID == nil || *t.EntityID != entityID {
			continue
		}
		t.EntityID = nil
		t.InputData = nil
		t.OutputData = nil
		t.ErrorMessage = nil
		for i := range t.VerificationChecks {
			t.VerificationChecks[i].Details = nil
		}
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["erased"] = true
		n++
	}
	return n, nil
}

// AllTraces returns every trace row in insertion order.
func (s *Store) AllTraces() []*db.AuditTrace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.AuditTrace, 0, len(s.traces))
	for _, t := range s.traces {
		out = append(out, copyTrace(t))
	}
	return out
}
