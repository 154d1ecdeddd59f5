package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// ErrMailNotConfigured is returned when SMTP settings are incomplete.
var ErrMailNotConfigured = errors.New("SMTP_HOST, SMTP_PORT, SMTP_USER and SMTP_PASS are required")

// Message is an outgoing notification.
type Message struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	HTML    string
}

// Mailer delivers a Message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds the mail transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

func (c SMTPConfig) complete() bool {
	return c.Host != "" && c.Port > 0 && c.Username != "" && c.Password != ""
}

// SMTPMailer sends mail through an authenticated SMTP server. Port 465
// uses implicit TLS; other ports upgrade with STARTTLS when offered.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer validates cfg and returns a mailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if !cfg.complete() {
		return nil, ErrMailNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPMailer{cfg: cfg}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if msg.From == "" || msg.To == "" || msg.Subject == "" || msg.HTML == "" {
		return errors.New("from, to, subject and body are required")
	}

	mm := mail.NewMsg()
	if err := mm.From(msg.From); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	if err := mm.To(msg.To); err != nil {
		return fmt.Errorf("setting recipient: %w", err)
	}
	if msg.ReplyTo != "" {
		if err := mm.ReplyTo(msg.ReplyTo); err != nil {
			return fmt.Errorf("setting reply-to: %w", err)
		}
	}
	mm.Subject(msg.Subject)
	mm.SetBodyString(mail.TypeTextHTML, msg.HTML)

	client, err := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, mm); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func (m *SMTPMailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.Username),
		mail.WithPassword(m.cfg.Password),
		mail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	return opts
}
