package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/loginguard/pkg/logger"
	"gopkg.in/gomail.v2"
)

// mailDialer is satisfied by *gomail.Dialer
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPEmailService sends the security emails through an SMTP relay
type SMTPEmailService struct {
	templatedGateway
	dialer      mailDialer
	fromAddress string
	logger      *slog.Logger
}

// NewSMTPEmailService creates an SMTP-backed notification gateway
func NewSMTPEmailService(host string, port int, username, password, fromAddress, baseURL string, lockDuration time.Duration, logger *slog.Logger) *SMTPEmailService {
	return newSMTPEmailService(gomail.NewDialer(host, port, username, password), fromAddress, baseURL, lockDuration, logger)
}

func newSMTPEmailService(dialer mailDialer, fromAddress, baseURL string, lockDuration time.Duration, logger *slog.Logger) *SMTPEmailService {
	s := &SMTPEmailService{
		dialer:      dialer,
		fromAddress: fromAddress,
		logger:      logger,
	}
	s.templatedGateway = templatedGateway{deliver: s.send, baseURL: baseURL, lockDuration: lockDuration}
	return s
}

func (s *SMTPEmailService) send(ctx context.Context, to string, msg *emailContent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.fromAddress)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.HTML)

	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Error("failed to send email via SMTP",
			slog.String("email", logger.SanitizedEmail(to)),
			slog.String("subject", msg.Subject),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		slog.String("email", logger.SanitizedEmail(to)),
		slog.String("subject", msg.Subject))
	return nil
}
