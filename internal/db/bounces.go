package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const bounceColumns = `
	id, email_send_id, lead_id, provider, provider_message_id, recipient_email,
	bounce_type, category, subcategory, severity, reason, code, raw_payload,
	retry_count, max_retries, next_retry_at, is_suppressed, created_at, updated_at`

func scanBounce(row rowScanner) (*Bounce, error) {
	var b Bounce
	err := row.Scan(
		&b.ID,
		&b.EmailSendID,
		&b.LeadID,
		&b.Provider,
		&b.ProviderMessageID,
		&b.RecipientEmail,
		&b.BounceType,
		&b.Category,
		&b.Subcategory,
		&b.Severity,
		&b.Reason,
		&b.Code,
		&b.RawPayload,
		&b.RetryCount,
		&b.MaxRetries,
		&b.NextRetryAt,
		&b.IsSuppressed,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertOrIncrementBounce inserts b, or bumps retry_count on the existing row
// for the same (provider_message_id, recipient_email). On conflict b is
// overwritten with the stored row and inserted is false.
func (r *Repository) InsertOrIncrementBounce(ctx context.Context, b *Bounce) (bool, error) {
	payload, err := jsonOrNil(b.RawPayload)
	if err != nil {
		return false, fmt.Errorf("marshal raw payload: %w", err)
	}

	query := `
		INSERT INTO bounces (
			id, email_send_id, lead_id, provider, provider_message_id, recipient_email,
			bounce_type, category, subcategory, severity, reason, code, raw_payload,
			retry_count, max_retries, is_suppressed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (provider_message_id, recipient_email) DO UPDATE SET
			retry_count = bounces.retry_count + 1,
			updated_at = NOW()
		RETURNING ` + bounceColumns + `, (xmax = 0) AS inserted`

	var inserted bool
	row := r.pool.QueryRow(ctx, query,
		b.ID,
		b.EmailSendID,
		b.LeadID,
		b.Provider,
		b.ProviderMessageID,
		b.RecipientEmail,
		b.BounceType,
		b.Category,
		b.Subcategory,
		b.Severity,
		b.Reason,
		b.Code,
		payload,
		b.RetryCount,
		b.MaxRetries,
		b.IsSuppressed,
	)
	err = row.Scan(
		&b.ID,
		&b.EmailSendID,
		&b.LeadID,
		&b.Provider,
		&b.ProviderMessageID,
		&b.RecipientEmail,
		&b.BounceType,
		&b.Category,
		&b.Subcategory,
		&b.Severity,
		&b.Reason,
		&b.Code,
		&b.RawPayload,
		&b.RetryCount,
		&b.MaxRetries,
		&b.NextRetryAt,
		&b.IsSuppressed,
		&b.CreatedAt,
		&b.UpdatedAt,
		&inserted,
	)
	if err != nil {
		r.logger.Error("failed to upsert bounce",
			zap.Error(err),
			zap.String("provider_message_id", b.ProviderMessageID),
		)
		return false, fmt.Errorf("upsert bounce: %w", err)
	}
	return inserted, nil
}

// GetBounce retrieves a bounce by ID
func (r *Repository) GetBounce(ctx context.Context, id uuid.UUID) (*Bounce, error) {
	b, err := scanBounce(r.pool.QueryRow(ctx,
		`SELECT `+bounceColumns+` FROM bounces WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "bounce")
	}
	return b, nil
}

// ScheduleBounceRetry sets the retry marker consumed by the retry scheduler
func (r *Repository) ScheduleBounceRetry(ctx context.Context, id uuid.UUID, maxRetries int, nextRetryAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bounces
		SET max_retries = $2, next_retry_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, maxRetries, nextRetryAt)
	if err != nil {
		return fmt.Errorf("schedule bounce retry: %w", err)
	}
	return nil
}

// MarkBounceSuppressed flags a bounce whose recipient was suppressed
func (r *Repository) MarkBounceSuppressed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bounces
		SET is_suppressed = TRUE, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark bounce suppressed: %w", err)
	}
	return nil
}

// ListDueBounceRetries returns retryable bounces whose marker is due at now.
// Suppressed recipients are skipped.
func (r *Repository) ListDueBounceRetries(ctx context.Context, now time.Time, limit int) ([]*Bounce, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bounceColumns+`
		FROM bounces b
		WHERE next_retry_at IS NOT NULL
			AND next_retry_at <= $1
			AND retry_count < max_retries
			AND NOT is_suppressed
			AND NOT EXISTS (SELECT 1 FROM suppression_list s WHERE s.email = b.recipient_email)
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due bounce retries: %w", err)
	}
	defer rows.Close()

	var bounces []*Bounce
	for rows.Next() {
		b, err := scanBounce(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bounce: %w", err)
		}
		bounces = append(bounces, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return bounces, nil
}

// ClearBounceRetry removes the retry marker once the retry was handed off
func (r *Repository) ClearBounceRetry(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bounces SET next_retry_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear bounce retry: %w", err)
	}
	return nil
}
