package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sendColumns = `
	id, lead_id, sequence_id, step_number, provider, provider_message_id,
	to_email, payload, status, attempt, error_message, next_attempt_at,
	thread_id, retry_of_bounce_id, sent_at, created_at, updated_at`

func scanSend(row rowScanner) (*EmailSendRecord, error) {
	var s EmailSendRecord
	err := row.Scan(
		&s.ID,
		&s.LeadID,
		&s.SequenceID,
		&s.StepNumber,
		&s.Provider,
		&s.ProviderMessageID,
		&s.ToEmail,
		&s.Payload,
		&s.Status,
		&s.Attempt,
		&s.ErrorMessage,
		&s.NextAttemptAt,
		&s.ThreadID,
		&s.RetryOfBounceID,
		&s.SentAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSend inserts a new send record. RetryOfBounceID is set on sends
// queued by the bounce retry scheduler.
func (r *Repository) CreateSend(ctx context.Context, send *EmailSendRecord) error {
	query := `
		INSERT INTO email_send_records (
			id, lead_id, sequence_id, step_number, provider,
			to_email, payload, status, attempt, retry_of_bounce_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		send.ID,
		send.LeadID,
		send.SequenceID,
		send.StepNumber,
		send.Provider,
		send.ToEmail,
		send.Payload,
		send.Status,
		send.Attempt,
		send.RetryOfBounceID,
	).Scan(&send.CreatedAt, &send.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create send record",
			zap.Error(err),
			zap.String("send_id", send.ID.String()),
		)
		return fmt.Errorf("insert send record: %w", err)
	}
	return nil
}

// GetSend retrieves a send record by ID
func (r *Repository) GetSend(ctx context.Context, id uuid.UUID) (*EmailSendRecord, error) {
	send, err := scanSend(r.pool.QueryRow(ctx,
		`SELECT `+sendColumns+` FROM email_send_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "send record")
	}
	return send, nil
}

// FindSendByMessageID retrieves the send a provider acknowledged with messageID
func (r *Repository) FindSendByMessageID(ctx context.Context, messageID string) (*EmailSendRecord, error) {
	send, err := scanSend(r.pool.QueryRow(ctx,
		`SELECT `+sendColumns+` FROM email_send_records WHERE provider_message_id = $1`, messageID))
	if err != nil {
		return nil, notFound(err, "send record")
	}
	return send, nil
}

// MarkSendStatus moves a send to status unless it is already terminal.
// It reports whether the row changed.
func (r *Repository) MarkSendStatus(ctx context.Context, id uuid.UUID, status string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE email_send_records
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, id, status, SendStatusBounced, SendStatusReplied)
	if err != nil {
		return false, fmt.Errorf("mark send status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// GetQueuedSends returns queued sends whose next attempt is due
func (r *Repository) GetQueuedSends(ctx context.Context, limit int) ([]*EmailSendRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sendColumns+`
		FROM email_send_records
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $2
	`, SendStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued sends: %w", err)
	}
	defer rows.Close()

	var sends []*EmailSendRecord
	for rows.Next() {
		send, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send record: %w", err)
		}
		sends = append(sends, send)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return sends, nil
}

// MarkSendSent records the provider acknowledgement of a send
func (r *Repository) MarkSendSent(ctx context.Context, id uuid.UUID, providerMessageID string, attempt int, sentAt time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE email_send_records
		SET status = $2, provider_message_id = $3, attempt = $4, sent_at = $5,
			error_message = NULL, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, SendStatusSent, providerMessageID, attempt, sentAt)
	if err != nil {
		return fmt.Errorf("mark send sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("send record %s: %w", id, ErrNotFound)
	}
	return nil
}

// RescheduleSend keeps a send queued for another attempt
func (r *Repository) RescheduleSend(ctx context.Context, id uuid.UUID, attempt int, errorMsg string, nextAttemptAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE email_send_records
		SET attempt = $2, error_message = $3, next_attempt_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, attempt, errorMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("reschedule send: %w", err)
	}
	return nil
}

// FailSend marks a send as permanently failed
func (r *Repository) FailSend(ctx context.Context, id uuid.UUID, attempt int, errorMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE email_send_records
		SET status = $2, attempt = $3, error_message = $4, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, SendStatusFailed, attempt, errorMsg)
	if err != nil {
		return fmt.Errorf("fail send: %w", err)
	}
	return nil
}

// SetSendThread links a send to its conversation thread
func (r *Repository) SetSendThread(ctx context.Context, id, threadID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE email_send_records SET thread_id = $2, updated_at = NOW() WHERE id = $1`,
		id, threadID)
	if err != nil {
		return fmt.Errorf("set send thread: %w", err)
	}
	return nil
}
