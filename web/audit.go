package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies a security relevant action on the site.
type AuditEvent string

const (
	AuditContactSent        AuditEvent = "contact_sent"
	AuditContactFailed      AuditEvent = "contact_failed"
	AuditContactRateLimited AuditEvent = "contact_rate_limited"
	AuditCSRFRejected       AuditEvent = "csrf_rejected"
	AuditLogout             AuditEvent = "logout"
	AuditLanguageChanged    AuditEvent = "language_changed"
	AuditTokenIssued        AuditEvent = "token_issued"
	AuditTokenDenied        AuditEvent = "token_denied"
	AuditAuthAlert          AuditEvent = "auth_alert"
)

// auditLogger writes audit records through slog and forwards them to the
// webhook when one is configured.
type auditLogger struct {
	logger   *slog.Logger
	webhook  *auditWebhook
	clientIP func(r *http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{logger: logger.With("component", "audit")}
}

// log records event for r. attrs are added to the log line and, stringified,
// to the webhook payload.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	remote := r.RemoteAddr
	if al.clientIP != nil {
		remote = al.clientIP(r)
	}
	al.record(r.Context(), event, remote, attrs...)
}

// system records an event that has no originating request.
func (al *auditLogger) system(event AuditEvent, attrs ...slog.Attr) {
	al.record(context.Background(), event, "", attrs...)
}

func (al *auditLogger) record(ctx context.Context, event AuditEvent, remote string, attrs ...slog.Attr) {
	now := time.Now().UTC()
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	if remote != "" {
		base = append(base, slog.String("remote_addr", remote))
	}
	base = append(base, attrs...)

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", base...)

	if al.webhook == nil {
		return
	}
	evt := webhookEvent{
		Event:      string(event),
		RemoteAddr: remote,
		Timestamp:  now.Format(time.RFC3339),
	}
	if len(attrs) > 0 {
		evt.Attrs = make(map[string]string, len(attrs))
		for _, a := range attrs {
			evt.Attrs[a.Key] = a.Value.String()
		}
	}
	al.webhook.enqueue(evt)
}

func (al *auditLogger) close() {
	if al.webhook != nil {
		al.webhook.close()
	}
}
