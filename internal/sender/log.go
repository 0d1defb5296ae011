package sender

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/lead"
)

// ProviderLog is the provider name of LogSender.
const ProviderLog = "log"

// LogSender logs instead of sending (development).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return ProviderLog }

func (s *LogSender) Send(_ context.Context, msg *Message) (*Result, error) {
	id := fmt.Sprintf("<%s@mailcore.local>", uuid.NewString())
	s.logger.Info("logging email (development mode)",
		zap.String("send_id", msg.SendID.String()),
		zap.String("recipient_domain", lead.Domain(msg.To)),
		zap.String("subject", msg.Subject),
		zap.String("provider_message_id", id),
	)
	return &Result{Provider: ProviderLog, ProviderMessageID: id}, nil
}
