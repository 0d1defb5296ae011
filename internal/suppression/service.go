// Package suppression maintains the suppression list: the set of addresses
// that must never receive another send, plus per-domain bounce tallies.
//
// Every sender consults IsSuppressed before delivering. Entries are upserted,
// never removed automatically.
package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/lead"
)

// Reasons recorded on suppression entries.
const (
	ReasonHardBounce  = "hard_bounce"
	ReasonComplaint   = "complaint"
	ReasonUnsubscribe = "unsubscribe"
	ReasonManual      = "manual"
)

// Repository is the data access contract for the suppression list.
type Repository interface {
	UpsertSuppression(ctx context.Context, email, reason string, at time.Time) error
	GetSuppression(ctx context.Context, email string) (*db.SuppressionEntry, error)
	IsSuppressed(ctx context.Context, email string) (bool, error)
	IncrementDomainSuppression(ctx context.Context, domain string, at time.Time) (*db.DomainSuppression, error)
	GetDomainSuppression(ctx context.Context, domain string) (*db.DomainSuppression, error)
	MarkLeadSuppressed(ctx context.Context, email string) error
}

// Service implements suppression logic. It is safe for concurrent use.
type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a suppression service backed by repo.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Suppress adds email to the list. Suppressing an address again refreshes
// reason and timestamp and still leaves a single entry. The owning lead, if
// any, moves to the suppressed status.
func (s *Service) Suppress(ctx context.Context, email, reason string) (*db.SuppressionEntry, error) {
	email = lead.Normalize(email)
	if email == "" {
		return nil, lead.Required("email")
	}
	if reason == "" {
		return nil, lead.Required("reason")
	}

	at := s.now().UTC()
	if err := s.repo.UpsertSuppression(ctx, email, reason, at); err != nil {
		return nil, fmt.Errorf("suppress email: %w", err)
	}
	if err := s.repo.MarkLeadSuppressed(ctx, email); err != nil {
		return nil, fmt.Errorf("suppress lead: %w", err)
	}

	s.logger.Info("email suppressed",
		zap.String("domain", lead.Domain(email)),
		zap.String("reason", reason),
	)
	return &db.SuppressionEntry{Email: email, Reason: reason, SuppressedAt: at}, nil
}

// SuppressDomain records one more bounce against domain. Domain entries are
// informational and never block a send.
func (s *Service) SuppressDomain(ctx context.Context, domain string) (*db.DomainSuppression, error) {
	if domain == "" {
		return nil, lead.Required("domain")
	}
	d, err := s.repo.IncrementDomainSuppression(ctx, domain, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("suppress domain: %w", err)
	}
	return d, nil
}

// IsSuppressed checks whether email must be blocked from sending.
func (s *Service) IsSuppressed(ctx context.Context, email string) (bool, error) {
	return s.repo.IsSuppressed(ctx, lead.Normalize(email))
}

// Get returns the suppression entry for email, or nil when the address is
// not suppressed.
func (s *Service) Get(ctx context.Context, email string) (*db.SuppressionEntry, error) {
	e, err := s.repo.GetSuppression(ctx, lead.Normalize(email))
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Domain returns the bounce tally for domain, or nil if it never bounced.
func (s *Service) Domain(ctx context.Context, domain string) (*db.DomainSuppression, error) {
	d, err := s.repo.GetDomainSuppression(ctx, domain)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return d, err
}
