package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IncrementReplyOccurrence bumps the occurrence counter of an already stored
// reply. It returns ErrNotFound when the message was never seen.
func (r *Repository) IncrementReplyOccurrence(ctx context.Context, providerMessageID string) (*Reply, error) {
	var reply Reply
	err := r.pool.QueryRow(ctx, `
		UPDATE replies
		SET occurrence_count = occurrence_count + 1
		WHERE provider_message_id = $1
		RETURNING id, thread_id, lead_id, provider_message_id, occurrence_count, automation_paused
	`, providerMessageID).Scan(
		&reply.ID,
		&reply.ThreadID,
		&reply.LeadID,
		&reply.ProviderMessageID,
		&reply.OccurrenceCount,
		&reply.AutomationPaused,
	)
	if err != nil {
		return nil, notFound(err, "reply")
	}
	return &reply, nil
}

// InsertReply stores a reply. When another writer stored the same provider
// message id first, its occurrence counter is bumped instead, reply is
// overwritten with the stored identity and inserted is false.
func (r *Repository) InsertReply(ctx context.Context, reply *Reply) (bool, error) {
	payload, err := jsonOrNil(reply.RawPayload)
	if err != nil {
		return false, fmt.Errorf("marshal raw payload: %w", err)
	}

	query := `
		INSERT INTO replies (
			id, thread_id, lead_id, email_send_id, provider, provider_message_id,
			in_reply_to, original_message_id, from_email, to_email, subject, body,
			is_auto_reply, is_out_of_office, is_vacation_message, is_human_reply,
			automation_paused, occurrence_count, raw_payload, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (provider_message_id) DO UPDATE SET
			occurrence_count = replies.occurrence_count + 1
		RETURNING id, thread_id, lead_id, occurrence_count, automation_paused, created_at, (xmax = 0) AS inserted`

	var inserted bool
	err = r.pool.QueryRow(ctx, query,
		reply.ID,
		reply.ThreadID,
		reply.LeadID,
		reply.EmailSendID,
		reply.Provider,
		reply.ProviderMessageID,
		reply.InReplyTo,
		reply.OriginalMessageID,
		reply.FromEmail,
		reply.ToEmail,
		reply.Subject,
		reply.Body,
		reply.IsAutoReply,
		reply.IsOutOfOffice,
		reply.IsVacationMessage,
		reply.IsHumanReply,
		reply.AutomationPaused,
		reply.OccurrenceCount,
		payload,
		reply.ReceivedAt,
	).Scan(
		&reply.ID,
		&reply.ThreadID,
		&reply.LeadID,
		&reply.OccurrenceCount,
		&reply.AutomationPaused,
		&reply.CreatedAt,
		&inserted,
	)
	if err != nil {
		r.logger.Error("failed to insert reply",
			zap.Error(err),
			zap.String("provider_message_id", reply.ProviderMessageID),
		)
		return false, fmt.Errorf("insert reply: %w", err)
	}
	return inserted, nil
}

// MarkReplyAutomationPaused records that the reply paused the lead's sequences
func (r *Repository) MarkReplyAutomationPaused(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE replies SET automation_paused = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark reply automation paused: %w", err)
	}
	return nil
}
