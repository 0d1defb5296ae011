// Package worker runs the background loops around the core services:
// delivering queued sends, re-queueing due bounce retries and draining the
// inbound webhook queue.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/metrics"
	"github.com/lalithlochan/mailcore/internal/sender"
)

// SendStore is the persistence the send worker needs.
type SendStore interface {
	GetQueuedSends(ctx context.Context, limit int) ([]*db.EmailSendRecord, error)
	MarkSendSent(ctx context.Context, id uuid.UUID, providerMessageID string, attempt int, sentAt time.Time) error
	RescheduleSend(ctx context.Context, id uuid.UUID, attempt int, errorMsg string, nextAttemptAt time.Time) error
	FailSend(ctx context.Context, id uuid.UUID, attempt int, errorMsg string) error
}

// Config tunes the send worker.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// SendWorker delivers queued send records.
type SendWorker struct {
	store  SendStore
	sender sender.Sender
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewSendWorker creates a send worker. s is normally a SuppressionGuard
// around a circuit-breaker protected SES sender.
func NewSendWorker(store SendStore, s sender.Sender, cfg Config, logger *zap.Logger) *SendWorker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}

	return &SendWorker{
		store:  store,
		sender: s,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start polls until ctx is cancelled.
func (w *SendWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("send worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch delivers up to BatchSize due sends and returns how many were
// picked up.
func (w *SendWorker) ProcessBatch(ctx context.Context) int {
	sends, err := w.store.GetQueuedSends(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to get queued sends", zap.Error(err))
		return 0
	}
	for _, send := range sends {
		if ctx.Err() != nil {
			break
		}
		w.processSend(ctx, send)
	}
	return len(sends)
}

func (w *SendWorker) processSend(ctx context.Context, rec *db.EmailSendRecord) {
	attempt := rec.Attempt + 1
	log := w.logger.With(
		zap.String("send_id", rec.ID.String()),
		zap.Int("attempt", attempt),
	)

	msg, err := sender.MessageFromRecord(rec)
	if err != nil {
		log.Error("unsendable record", zap.Error(err))
		w.fail(ctx, rec.ID, attempt, err.Error(), db.SendStatusFailed)
		return
	}

	res, err := w.sender.Send(ctx, msg)
	switch {
	case err == nil:
		if err := w.store.MarkSendSent(ctx, rec.ID, res.ProviderMessageID, attempt, w.now()); err != nil {
			log.Error("failed to mark send sent", zap.Error(err))
			return
		}
		metrics.RecordSend(db.SendStatusSent)
		log.Info("send delivered", zap.String("provider_message_id", res.ProviderMessageID))

	case errors.Is(err, sender.ErrSuppressed):
		w.fail(ctx, rec.ID, attempt, err.Error(), "suppressed")

	case attempt >= w.config.MaxAttempts:
		log.Warn("send failed permanently", zap.Error(err))
		w.fail(ctx, rec.ID, attempt, err.Error(), db.SendStatusFailed)

	default:
		next := w.now().Add(retryDelay(attempt))
		log.Warn("send failed, rescheduling", zap.Error(err), zap.Time("next_attempt_at", next))
		if err := w.store.RescheduleSend(ctx, rec.ID, attempt, err.Error(), next); err != nil {
			log.Error("failed to reschedule send", zap.Error(err))
		}
		metrics.RecordSend("retry")
	}
}

func (w *SendWorker) fail(ctx context.Context, id uuid.UUID, attempt int, msg, metric string) {
	if err := w.store.FailSend(ctx, id, attempt, msg); err != nil {
		w.logger.Error("failed to mark send failed", zap.String("send_id", id.String()), zap.Error(err))
		return
	}
	metrics.RecordSend(metric)
}

// retryDelay is the wait after the given failed attempt.
func retryDelay(attempt int) time.Duration {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
