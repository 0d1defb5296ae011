package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const threadColumns = `
	t.id, t.lead_id, t.original_message_id, t.latest_message_id, t.subject,
	t.participant_emails, t.message_count, t.last_activity_at, t.created_at`

func scanThread(row rowScanner) (*EmailThread, error) {
	var t EmailThread
	err := row.Scan(
		&t.ID,
		&t.LeadID,
		&t.OriginalMessageID,
		&t.LatestMessageID,
		&t.Subject,
		&t.ParticipantEmails,
		&t.MessageCount,
		&t.LastActivityAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindThreadByMessageID finds the thread a message id belongs to: the thread's
// own ids, a reply filed under it, or a send linked to it.
func (r *Repository) FindThreadByMessageID(ctx context.Context, messageID string) (*EmailThread, error) {
	query := `
		SELECT ` + threadColumns + ` FROM email_threads t
		WHERE t.original_message_id = $1 OR t.latest_message_id = $1
		UNION
		SELECT ` + threadColumns + ` FROM email_threads t
		JOIN replies r ON r.thread_id = t.id
		WHERE r.provider_message_id = $1
		UNION
		SELECT ` + threadColumns + ` FROM email_threads t
		JOIN email_send_records s ON s.thread_id = t.id
		WHERE s.provider_message_id = $1
		LIMIT 1`

	t, err := scanThread(r.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		return nil, notFound(err, "thread")
	}
	return t, nil
}

// GetOrCreateThread inserts t keyed by its original message id, or loads the
// thread already stored under that key. created is false in the latter case.
func (r *Repository) GetOrCreateThread(ctx context.Context, t *EmailThread) (*EmailThread, bool, error) {
	if t.ParticipantEmails == nil {
		t.ParticipantEmails = []string{}
	}

	query := `
		INSERT INTO email_threads AS t (
			id, lead_id, original_message_id, latest_message_id, subject,
			participant_emails, message_count, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (original_message_id) DO UPDATE SET
			original_message_id = EXCLUDED.original_message_id
		RETURNING ` + threadColumns + `, (xmax = 0) AS inserted`

	var (
		saved    EmailThread
		inserted bool
	)
	err := r.pool.QueryRow(ctx, query,
		t.ID,
		t.LeadID,
		t.OriginalMessageID,
		t.LatestMessageID,
		t.Subject,
		t.ParticipantEmails,
		t.MessageCount,
		t.LastActivityAt,
	).Scan(
		&saved.ID,
		&saved.LeadID,
		&saved.OriginalMessageID,
		&saved.LatestMessageID,
		&saved.Subject,
		&saved.ParticipantEmails,
		&saved.MessageCount,
		&saved.LastActivityAt,
		&saved.CreatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("get or create thread: %w", err)
	}
	return &saved, inserted, nil
}

// TouchThread records a new message on the thread: latest id, count,
// activity time and participant set.
func (r *Repository) TouchThread(ctx context.Context, id uuid.UUID, latestMessageID, participant string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE email_threads
		SET latest_message_id = $2,
			message_count = message_count + 1,
			last_activity_at = $4,
			participant_emails = CASE
				WHEN $3 = '' OR $3 = ANY(participant_emails) THEN participant_emails
				ELSE array_append(participant_emails, $3)
			END
		WHERE id = $1
	`, id, latestMessageID, participant, at)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}
