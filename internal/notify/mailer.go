package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Email is a rendered plain-text message.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers rendered emails.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// LogMailer writes emails to the log instead of sending them. It is the
// default when no SMTP server is configured.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("component", "log_mailer")}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, email Email) error {
	m.logger.InfoContext(ctx, "email not sent, logging instead",
		"to", email.To,
		"subject", email.Subject,
		"body_length", len(email.Body))
	return nil
}

// SMTPConfig holds the settings of an SMTPMailer.
type SMTPConfig struct {
	Host     string        `mapstructure:"host" validate:"required"`
	Port     int           `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from" validate:"required,email"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

const defaultSMTPTimeout = 30 * time.Second

// SMTPMailer sends email through an SMTP relay. STARTTLS is used when the
// server offers it, and PLAIN authentication when a username is set.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.Port <= 0 || cfg.From == "" {
		return nil, errors.New("smtp host, port and from address are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPMailer{cfg: cfg}, nil
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(nil); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM rejected: %w", err)
	}
	if err := client.Rcpt(email.To); err != nil {
		return fmt.Errorf("smtp RCPT TO rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA rejected: %w", err)
	}
	if _, err := w.Write(m.compose(email)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp server rejected message: %w", err)
	}
	return client.Quit()
}

// compose renders the RFC 5322 message with CRLF line endings.
func (m *SMTPMailer) compose(email Email) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", m.cfg.From)
	header("To", email.To)
	header("Subject", email.Subject)
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(email.Body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}
