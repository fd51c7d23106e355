package sender

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/slotpulse/logger"
)

// LogSender writes every envelope to the log and always succeeds.
type LogSender struct {
	log *zap.SugaredLogger
}

// NewLogSender creates a sender that only logs.
func NewLogSender(log *zap.SugaredLogger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, env Envelope) error {
	s.log.Infow("Notification would be sent",
		logger.FieldMessageID, env.MessageID,
		logger.FieldRecipient, env.RecipientRef,
		"template", env.TemplateKey,
		"dedupe_key", env.DedupeKey,
		logger.FieldAttempt, env.Attempt,
	)
	return nil
}
