package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/loginguard/pkg/logger"
)

// LogEmailService writes emails to the log instead of sending them. Development only.
type LogEmailService struct {
	templatedGateway
	logger *slog.Logger
}

func NewLogEmailService(baseURL string, lockDuration time.Duration, logger *slog.Logger) *LogEmailService {
	s := &LogEmailService{logger: logger}
	s.templatedGateway = templatedGateway{deliver: s.send, baseURL: baseURL, lockDuration: lockDuration}
	return s
}

func (s *LogEmailService) send(_ context.Context, to string, msg *emailContent) error {
	s.logger.Info("email not sent (log provider)",
		slog.String("email", logger.SanitizedEmail(to)),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Text))
	return nil
}
