// Package lead owns contact identity: canonical email form, fingerprints and
// the lead store. Other components reference leads by ID only.
package lead

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/db"
)

// Store is the persistence the lead service needs.
type Store interface {
	UpsertLead(ctx context.Context, lead *db.Lead) (*db.Lead, error)
	GetLead(ctx context.Context, id uuid.UUID) (*db.Lead, error)
	FindLeadByEmail(ctx context.Context, email string) (*db.Lead, error)
	AnonymizeLead(ctx context.Context, id uuid.UUID, email, fingerprint string, at time.Time) error
}

// Service manages leads.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a lead service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Ingest creates the lead for email, or returns the one already stored under
// its canonical form.
func (s *Service) Ingest(ctx context.Context, email, leadType string) (*db.Lead, error) {
	if err := Validate("email", email); err != nil {
		return nil, err
	}
	canonical := Normalize(email)

	saved, err := s.store.UpsertLead(ctx, &db.Lead{
		ID:          uuid.New(),
		Email:       canonical,
		Fingerprint: Fingerprint(canonical),
		LeadType:    leadType,
		Status:      db.LeadStatusNew,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest lead: %w", err)
	}

	s.logger.Debug("lead ingested",
		zap.String("lead_id", saved.ID.String()),
		zap.String("domain", Domain(canonical)),
	)
	return saved, nil
}

// Get returns a lead by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Lead, error) {
	return s.store.GetLead(ctx, id)
}

// FindByEmail looks a lead up by any spelling of its address.
func (s *Service) FindByEmail(ctx context.Context, email string) (*db.Lead, error) {
	return s.store.FindLeadByEmail(ctx, Normalize(email))
}

// Anonymize replaces the lead's address with a stable placeholder derived
// from its fingerprint. The row itself is kept.
func (s *Service) Anonymize(ctx context.Context, id uuid.UUID) (*db.Lead, error) {
	l, err := s.store.GetLead(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.AnonymizedAt != nil {
		return l, nil
	}

	placeholder := fmt.Sprintf("erased-%s@anonymized.invalid", l.Fingerprint[:16])
	at := s.now().UTC()
	if err := s.store.AnonymizeLead(ctx, id, placeholder, Fingerprint(placeholder), at); err != nil {
		return nil, fmt.Errorf("anonymize lead: %w", err)
	}

	s.logger.Info("lead anonymized", zap.String("lead_id", id.String()))
	return s.store.GetLead(ctx, id)
}
