package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const leadColumns = `id, email, fingerprint, lead_type, status, anonymized_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*Lead, error) {
	var l Lead
	err := row.Scan(
		&l.ID,
		&l.Email,
		&l.Fingerprint,
		&l.LeadType,
		&l.Status,
		&l.AnonymizedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpsertLead inserts a lead keyed by its canonical email, or returns the
// existing row. An existing lead keeps its lead type unless it had none.
func (r *Repository) UpsertLead(ctx context.Context, lead *Lead) (*Lead, error) {
	query := `
		INSERT INTO leads (id, email, fingerprint, lead_type, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET
			lead_type = CASE WHEN leads.lead_type = '' THEN EXCLUDED.lead_type ELSE leads.lead_type END,
			updated_at = NOW()
		RETURNING ` + leadColumns

	saved, err := scanLead(r.pool.QueryRow(ctx, query,
		lead.ID,
		lead.Email,
		lead.Fingerprint,
		lead.LeadType,
		lead.Status,
	))
	if err != nil {
		r.logger.Error("failed to upsert lead", zap.Error(err))
		return nil, fmt.Errorf("upsert lead: %w", err)
	}
	return saved, nil
}

// GetLead retrieves a lead by ID
func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (*Lead, error) {
	lead, err := scanLead(r.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "lead")
	}
	return lead, nil
}

// FindLeadByEmail retrieves a lead by canonical email
func (r *Repository) FindLeadByEmail(ctx context.Context, email string) (*Lead, error) {
	lead, err := scanLead(r.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE email = $1`, email))
	if err != nil {
		return nil, notFound(err, "lead")
	}
	return lead, nil
}

// AnonymizeLead overwrites the identifying fields of a lead in place.
func (r *Repository) AnonymizeLead(ctx context.Context, id uuid.UUID, email, fingerprint string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET email = $2, fingerprint = $3, anonymized_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, email, fingerprint, at)
	if err != nil {
		return fmt.Errorf("anonymize lead: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkLeadSuppressed moves the lead owning email to the suppressed status.
// No lead for the address is not an error.
func (r *Repository) MarkLeadSuppressed(ctx context.Context, email string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE leads SET status = $2, updated_at = NOW() WHERE email = $1`,
		email, LeadStatusSuppressed)
	if err != nil {
		return fmt.Errorf("mark lead suppressed: %w", err)
	}
	return nil
}

// SetLeadType writes the lead's primary segment tag.
func (r *Repository) SetLeadType(ctx context.Context, id uuid.UUID, leadType string) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE leads SET lead_type = $2, updated_at = NOW() WHERE id = $1`, id, leadType)
	if err != nil {
		return fmt.Errorf("set lead type: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return nil
}
