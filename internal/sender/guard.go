package sender

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/metrics"
)

// SuppressionChecker reports whether an address is on the suppression list.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

// SuppressionGuard refuses to send to suppressed recipients.
type SuppressionGuard struct {
	next   Sender
	list   SuppressionChecker
	logger *zap.Logger
}

// NewSuppressionGuard wraps next with a suppression list lookup.
func NewSuppressionGuard(next Sender, list SuppressionChecker, logger *zap.Logger) *SuppressionGuard {
	return &SuppressionGuard{next: next, list: list, logger: logger}
}

func (g *SuppressionGuard) Name() string { return g.next.Name() }

// Send returns ErrSuppressed without calling the wrapped sender when the
// recipient is suppressed.
func (g *SuppressionGuard) Send(ctx context.Context, msg *Message) (*Result, error) {
	suppressed, err := g.list.IsSuppressed(ctx, msg.To)
	if err != nil {
		return nil, fmt.Errorf("suppression lookup: %w", err)
	}
	if suppressed {
		metrics.RecordSuppressedSend()
		g.logger.Info("send blocked by suppression list",
			zap.String("send_id", msg.SendID.String()),
			zap.String("recipient_fingerprint", lead.Fingerprint(msg.To)),
		)
		return nil, ErrSuppressed
	}
	return g.next.Send(ctx, msg)
}
