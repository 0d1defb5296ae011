package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/sender"
)

// ProtectedSender routes sends through a CircuitBreaker.
type ProtectedSender struct {
	sender  sender.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps s with breaker.
func NewProtectedSender(s sender.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  s,
		breaker: breaker,
		logger:  logger,
	}
}

// Name implements sender.Sender.
func (p *ProtectedSender) Name() string { return p.sender.Name() }

// Send fails fast with ErrCircuitOpen while the breaker is open. Suppressed
// recipients and cancelled contexts say nothing about provider health and
// are not recorded.
func (p *ProtectedSender) Send(ctx context.Context, msg *sender.Message) (*sender.Result, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("send_id", msg.SendID.String()),
		)
		return nil, fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	res, err := p.sender.Send(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case errors.Is(err, sender.ErrSuppressed), errors.Is(err, context.Canceled):
		p.breaker.Abandon()
	default:
		p.breaker.RecordFailure()
	}
	return res, err
}

// Breaker returns the wrapped breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
