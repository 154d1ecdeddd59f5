// Package contact validates contact-form submissions, delivers them by mail
// and keeps a sealed archive of every attempt.
package contact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidForm is returned alongside FieldErrors when validation fails.
	ErrInvalidForm = errors.New("invalid contact form")
	// ErrDeliveryFailed is returned when the notification could not be sent.
	ErrDeliveryFailed = errors.New("contact message delivery failed")
)

var mailTemplate = template.Must(template.New("mail").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<h2>New contact message</h2>
<p><strong>Name:</strong> {{.Form.Name}}</p>
<p><strong>Email:</strong> {{.Form.Email}}</p>
<p><strong>Locale:</strong> {{.Locale}}</p>
<p><strong>Message:</strong></p>
<p style="white-space:pre-wrap">{{.Form.Message}}</p>
</body></html>`))

// Submission is one form post.
type Submission struct {
	Form     Form
	Locale   string
	RemoteIP string
}

// Service handles submissions.
type Service struct {
	mailer   Mailer
	archive  *Archive
	from     string
	to       string
	subject  func(Form) string
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithArchive records every submission in a.
func WithArchive(a *Archive) Option {
	return func(s *Service) { s.archive = a }
}

// WithSubject overrides how the mail subject is built.
func WithSubject(fn func(Form) string) Option {
	return func(s *Service) { s.subject = fn }
}

// NewService creates a Service sending from one address to another. A nil
// mailer makes every delivery fail with ErrMailNotConfigured.
func NewService(mailer Mailer, from, to string, opts ...Option) *Service {
	s := &Service{
		mailer:   mailer,
		from:     from,
		to:       to,
		validate: mustValidator(),
		now:      time.Now,
		subject: func(f Form) string {
			return "New contact message from " + f.Name
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "contact")
	return s
}

// Validate checks f without sending anything.
func (s *Service) Validate(f Form) FieldErrors {
	return validateForm(s.validate, f)
}

// Submit validates, sends and archives sub. On invalid input it returns
// the field errors and ErrInvalidForm.
func (s *Service) Submit(ctx context.Context, sub Submission) (FieldErrors, error) {
	if errs := s.Validate(sub.Form); len(errs) > 0 {
		return errs, ErrInvalidForm
	}

	rec := &Record{
		Form:      sub.Form,
		Locale:    sub.Locale,
		RemoteIP:  sub.RemoteIP,
		Status:    StatusSent,
		CreatedAt: s.now().UTC(),
	}

	sendErr := s.send(ctx, sub)
	if sendErr != nil {
		rec.Status = StatusFailed
		rec.Error = sendErr.Error()
		s.logger.Error("contact mail failed", "error", sendErr)
	}

	if s.archive != nil {
		if err := s.archive.Save(rec); err != nil {
			s.logger.Error("archiving contact submission failed", "error", err)
		} else {
			s.logger.Info("contact submission archived", "id", rec.ID, "status", rec.Status)
		}
	}

	if sendErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
	}
	return nil, nil
}

func (s *Service) send(ctx context.Context, sub Submission) error {
	if s.mailer == nil {
		return ErrMailNotConfigured
	}
	var body bytes.Buffer
	if err := mailTemplate.Execute(&body, sub); err != nil {
		return fmt.Errorf("rendering mail: %w", err)
	}
	return s.mailer.Send(ctx, Message{
		From:    s.from,
		To:      s.to,
		ReplyTo: sub.Form.Email,
		Subject: s.subject(sub.Form),
		HTML:    body.String(),
	})
}
