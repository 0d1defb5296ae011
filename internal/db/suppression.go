package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UpsertSuppression adds email to the suppression list, refreshing reason and
// timestamp when it is already present.
func (r *Repository) UpsertSuppression(ctx context.Context, email, reason string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO suppression_list (email, reason, suppressed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET
			reason = EXCLUDED.reason,
			suppressed_at = EXCLUDED.suppressed_at
	`, email, reason, at)
	if err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}
	return nil
}

// GetSuppression retrieves the suppression entry for email
func (r *Repository) GetSuppression(ctx context.Context, email string) (*SuppressionEntry, error) {
	var s SuppressionEntry
	err := r.pool.QueryRow(ctx,
		`SELECT email, reason, suppressed_at FROM suppression_list WHERE email = $1`, email,
	).Scan(&s.Email, &s.Reason, &s.SuppressedAt)
	if err != nil {
		return nil, notFound(err, "suppression")
	}
	return &s, nil
}

// IsSuppressed reports whether email is on the suppression list
func (r *Repository) IsSuppressed(ctx context.Context, email string) (bool, error) {
	_, err := r.GetSuppression(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IncrementDomainSuppression bumps the bounce count for domain, creating the
// row on first bounce.
func (r *Repository) IncrementDomainSuppression(ctx context.Context, domain string, at time.Time) (*DomainSuppression, error) {
	var d DomainSuppression
	err := r.pool.QueryRow(ctx, `
		INSERT INTO domain_suppression (domain, bounce_count, last_bounce_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (domain) DO UPDATE SET
			bounce_count = domain_suppression.bounce_count + 1,
			last_bounce_at = EXCLUDED.last_bounce_at
		RETURNING domain, bounce_count, last_bounce_at, created_at
	`, domain, at).Scan(&d.Domain, &d.BounceCount, &d.LastBounceAt, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("increment domain suppression: %w", err)
	}
	return &d, nil
}

// GetDomainSuppression retrieves the bounce tally for domain
func (r *Repository) GetDomainSuppression(ctx context.Context, domain string) (*DomainSuppression, error) {
	var d DomainSuppression
	err := r.pool.QueryRow(ctx,
		`SELECT domain, bounce_count, last_bounce_at, created_at FROM domain_suppression WHERE domain = $1`,
		domain,
	).Scan(&d.Domain, &d.BounceCount, &d.LastBounceAt, &d.CreatedAt)
	if err != nil {
		return nil, notFound(err, "domain suppression")
	}
	return &d, nil
}
