// Package web serves the portfolio site: server rendered pages, form
// actions, the image proxy and a few JSON endpoints.
package web

import (
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openapi "github.com/go-openapi/runtime/middleware"

	"github.com/otamoon/portfolio/auth"
	"github.com/otamoon/portfolio/contact"
	"github.com/otamoon/portfolio/i18n"
	"github.com/otamoon/portfolio/session"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Deps are the components the site is assembled from.
type Deps struct {
	Resolver *auth.Resolver
	Sessions *session.Manager
	Bundle   *i18n.Bundle
	Contact  *contact.Service
	// Images serves /image. When nil the route answers 404.
	Images http.Handler
}

// Server holds the site's dependencies and per-process state.
type Server struct {
	resolver       *auth.Resolver
	sessions       *session.Manager
	bundle         *i18n.Bundle
	contact        *contact.Service
	images         http.Handler
	publicDir      string
	siteURL        string
	secure         bool
	trustedProxies []netip.Prefix
	webhookURL     string
	webhookAuth    string

	pages   map[string]*template.Template
	limiter *contactLimiter
	audit   *auditLogger
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Audit records use the same
// handler under the "audit" component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPublicDir serves static files from dir for paths no route claims.
func WithPublicDir(dir string) Option {
	return func(s *Server) { s.publicDir = dir }
}

// WithSiteURL sets the canonical origin used in page links.
// When empty the request's own origin is used.
func WithSiteURL(u string) Option {
	return func(s *Server) { s.siteURL = u }
}

// WithSecureCookies marks every cookie the site sets as Secure.
func WithSecureCookies(secure bool) Option {
	return func(s *Server) { s.secure = secure }
}

// WithTrustedProxies lists the peers whose forwarding headers are honoured
// when deriving the client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) { s.trustedProxies = prefixes }
}

// WithAuditWebhook forwards audit events to url. authHeader has the form
// "Header: Value" and may be empty.
func WithAuditWebhook(url, authHeader string) Option {
	return func(s *Server) {
		s.webhookURL = url
		s.webhookAuth = authHeader
	}
}

// New assembles a Server. Close releases its background work.
func New(deps Deps, opts ...Option) (*Server, error) {
	s := &Server{
		resolver: deps.Resolver,
		sessions: deps.Sessions,
		bundle:   deps.Bundle,
		contact:  deps.Contact,
		images:   deps.Images,
		limiter:  newContactLimiter(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.audit = newAuditLogger(s.logger)
	s.audit.clientIP = s.clientIP
	if s.webhookURL != "" {
		s.audit.webhook = newAuditWebhook(s.webhookURL, s.webhookAuth, s.logger)
	}
	s.logger = s.logger.With("component", "web")

	pages, err := parsePages()
	if err != nil {
		return nil, err
	}
	s.pages = pages

	go s.sweepLoop()
	return s, nil
}

// Close stops the rate limiter sweep and flushes pending audit events.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.audit.close()
	})
}

// RecordAlert stores a resolver anomaly alert as an audit event. It has
// the auth.AlertFunc signature.
func (s *Server) RecordAlert(evt auth.AlertEvent) {
	s.audit.system(AuditAuthAlert,
		slog.String("type", string(evt.Type)),
		slog.String("message", evt.Message),
		slog.Int("count", evt.Count),
		slog.Int("threshold", evt.Threshold),
	)
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Router returns the site's routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(openapiSpec)
	})
	r.Handle("/docs*", openapi.SwaggerUI(openapi.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/redoc*", openapi.Redoc(openapi.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", s.Health)
	r.Get("/image", s.Image)

	r.Group(func(r chi.Router) {
		r.Use(s.csrf)
		r.Get("/", s.Home)
		r.Get("/contact", s.ContactPage)
		r.Post("/contact", s.SubmitContact)
		r.Post("/action/change-language", s.ChangeLanguage)
		r.Get("/auth/token", s.Token)
		r.Post("/auth/logout", s.Logout)
	})

	r.NotFound(s.csrf(s.static()).ServeHTTP)
	return r
}

func (s *Server) clientIP(r *http.Request) string {
	return clientIP(r, s.trustedProxies)
}
