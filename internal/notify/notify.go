// Package notify sends operator alerts when a sweep needs attention.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/gomail.v2"
)

// Alert is a plain-text operator message.
type Alert struct {
	Subject string
	Body    string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// MailerConfig holds SMTP settings.
type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Mailer sends alerts by email.
type Mailer struct {
	cfg    MailerConfig
	dialer *gomail.Dialer
	logger *slog.Logger
}

// NewMailer creates a Mailer. It does not connect until the first alert.
func NewMailer(cfg MailerConfig, logger *slog.Logger) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp sender and at least one recipient are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger,
	}, nil
}

// Notify sends the alert to every configured recipient.
func (m *Mailer) Notify(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.dialer.DialAndSend(m.message(alert)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	m.logger.Info("Alert email sent", "subject", alert.Subject, "recipients", len(m.cfg.To))
	return nil
}

func (m *Mailer) message(alert Alert) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", m.cfg.To...)
	msg.SetHeader("Subject", "[coachledger] "+alert.Subject)
	msg.SetBody("text/plain", alert.Body)
	return msg
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Notify(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
