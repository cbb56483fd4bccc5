// Package notify dispatches the pipeline's email notifications. Every send
// is independent: one failing notification never prevents, retries, or rolls
// back another.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"time"
)

// SendResult describes a delivered message.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// EmailSender is the transport contract. Delivery guarantees (retry, bounce
// handling) belong to the transport, not this pipeline.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (SendResult, error)
}

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPSender sends HTML mail over authenticated SMTP.
type SMTPSender struct {
	config SMTPConfig
}

// NewSMTPSender validates the config and creates a sender.
func NewSMTPSender(config SMTPConfig) (*SMTPSender, error) {
	if config.Host == "" || config.Port == "" {
		return nil, errors.New("notify: SMTP host and port are required")
	}
	if config.From == "" {
		config.From = config.Username
	}
	if config.From == "" {
		return nil, errors.New("notify: SMTP sender address is required")
	}
	return &SMTPSender{config: config}, nil
}

// SendEmail implements EmailSender.
func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	addr := fmt.Sprintf("%s:%s", s.config.Host, s.config.Port)
	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	msg := []byte(
		"From: " + s.config.From + "\r\n" +
			"To: " + to + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n" +
			"\r\n" +
			body,
	)

	if err := smtp.SendMail(addr, auth, s.config.From, []string{to}, msg); err != nil {
		return SendResult{}, fmt.Errorf("smtp send failed: %w", err)
	}

	return SendResult{
		MessageID: fmt.Sprintf("smtp-%d", time.Now().UnixNano()),
		SentAt:    time.Now(),
	}, nil
}
