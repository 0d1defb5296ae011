package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/keylock"
	"github.com/lalithlochan/mailcore/internal/lead"
)

// EventTypeBounceRetry is the audit event written when a retry is queued.
const EventTypeBounceRetry = "bounce_retry_queued"

// RetryStore is the persistence the retry scheduler needs.
type RetryStore interface {
	ListDueBounceRetries(ctx context.Context, now time.Time, limit int) ([]*db.Bounce, error)
	GetBounce(ctx context.Context, id uuid.UUID) (*db.Bounce, error)
	ClearBounceRetry(ctx context.Context, id uuid.UUID) error
	GetSend(ctx context.Context, id uuid.UUID) (*db.EmailSendRecord, error)
	CreateSend(ctx context.Context, send *db.EmailSendRecord) error
}

// RetryScheduler re-queues sends whose soft or transient bounce is due for
// a retry. A bounced send is terminal, so the retry is a new queued record
// copied from it and linked back to the bounce.
type RetryScheduler struct {
	store    RetryStore
	locker   keylock.Locker
	tracer   audit.Tracer
	logger   *zap.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewRetryScheduler creates a scheduler polling every interval.
func NewRetryScheduler(store RetryStore, locker keylock.Locker, tracer audit.Tracer, interval time.Duration, logger *zap.Logger) *RetryScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RetryScheduler{
		store:    store,
		locker:   locker,
		tracer:   tracer,
		logger:   logger,
		interval: interval,
		batch:    50,
		now:      time.Now,
	}
}

// Start polls until ctx is cancelled.
func (s *RetryScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retry poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce queues every due retry and returns the ids of the new sends.
func (s *RetryScheduler) RunOnce(ctx context.Context) ([]uuid.UUID, error) {
	due, err := s.store.ListDueBounceRetries(ctx, s.now(), s.batch)
	if err != nil {
		return nil, err
	}

	queued := make([]uuid.UUID, 0, len(due))
	for _, b := range due {
		id, err := s.requeue(ctx, b.ID)
		if err != nil {
			s.logger.Error("bounce retry not queued",
				zap.String("bounce_id", b.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if id != uuid.Nil {
			queued = append(queued, id)
		}
	}
	return queued, nil
}

// requeue clears the marker before creating the copy, so a crash in between
// loses the retry rather than sending twice.
func (s *RetryScheduler) requeue(ctx context.Context, bounceID uuid.UUID) (uuid.UUID, error) {
	release, err := s.locker.Lock(ctx, "bounce-retry:"+bounceID.String())
	if err != nil {
		return uuid.Nil, err
	}
	defer release()

	// Another instance may have handled it since the listing.
	b, err := s.store.GetBounce(ctx, bounceID)
	if err != nil {
		return uuid.Nil, err
	}
	if b.NextRetryAt == nil || b.IsSuppressed || b.RetryCount >= b.MaxRetries {
		return uuid.Nil, nil
	}

	if err := s.store.ClearBounceRetry(ctx, b.ID); err != nil {
		return uuid.Nil, err
	}
	if b.EmailSendID == nil {
		s.logger.Info("bounce has no send record to retry", zap.String("bounce_id", b.ID.String()))
		return uuid.Nil, nil
	}

	orig, err := s.store.GetSend(ctx, *b.EmailSendID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load bounced send: %w", err)
	}

	retry := &db.EmailSendRecord{
		ID:         uuid.New(),
		LeadID:     orig.LeadID,
		SequenceID: orig.SequenceID,
		StepNumber: orig.StepNumber,
		Provider:   orig.Provider,
		ToEmail:    orig.ToEmail,
		Payload:    orig.Payload,
		Status:     db.SendStatusQueued,
		// the next bounce of this send continues b's retry count
		RetryOfBounceID: &b.ID,
	}
	if err := s.store.CreateSend(ctx, retry); err != nil {
		return uuid.Nil, err
	}

	s.tracer.LogEvent(ctx, EventTypeBounceRetry, audit.EntityRecipient, lead.Fingerprint(orig.ToEmail), map[string]any{
		"bounce_id":    b.ID.String(),
		"bounced_send": orig.ID.String(),
		"retry_send":   retry.ID.String(),
		"retry_count":  b.RetryCount,
		"max_retries":  b.MaxRetries,
		"bounce_type":  b.BounceType,
	})
	s.logger.Info("bounce retry queued",
		zap.String("bounce_id", b.ID.String()),
		zap.String("send_id", retry.ID.String()),
	)
	return retry.ID, nil
}
