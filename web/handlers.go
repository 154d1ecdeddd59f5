package web

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/otamoon/portfolio/auth"
	"github.com/otamoon/portfolio/contact"
	"github.com/otamoon/portfolio/i18n"
	"github.com/otamoon/portfolio/session"
)

// basePage negotiates the locale and fills the parts every page shares.
func (s *Server) basePage(w http.ResponseWriter, r *http.Request, name string) *page {
	locale, needCookie := i18n.Negotiate(r)
	if needCookie {
		setCookies(w, i18n.Cookie(locale, s.secure || requestIsSecure(r)))
	}
	tr := s.bundle.For(locale)
	return &page{
		Tr:        tr,
		Locale:    tr.Locale,
		OGLocale:  ogLocale(tr.Locale),
		Languages: i18n.Supported,
		Meta:      metaFor(tr, name),
		Canonical: s.origin(r) + r.URL.Path,
		Path:      r.URL.Path,
		CSRFToken: csrfToken(r),
		IsBot:     isBot(r.UserAgent()),
	}
}

// pageContext is basePage plus the pending toast and the resolved user.
func (s *Server) pageContext(w http.ResponseWriter, r *http.Request, name string) *page {
	p := s.basePage(w, r, name)

	toast, clear := s.sessions.PopToast(r)
	setCookies(w, clear)
	p.Toast = toast

	res := s.resolver.Resolve(r)
	setCookies(w, res.Cookies...)
	if res.Authenticated() {
		p.User = res.User
		p.UserName = displayName(res.User)
	}
	return p
}

func displayName(u auth.User) string {
	for _, key := range []string{"name", "display_name", "displayName", "username"} {
		if v, ok := u[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Home renders the landing page.
func (s *Server) Home(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, pageHome, s.pageContext(w, r, pageHome))
}

// ContactPage renders the empty contact form.
func (s *Server) ContactPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, pageContact, s.pageContext(w, r, pageContact))
}

// SubmitContact validates and delivers a contact form. Invalid input is
// re-rendered with status 400; otherwise the outcome is reported through a
// toast after a redirect back to the form.
func (s *Server) SubmitContact(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	form := contact.NewForm(r.PostFormValue("name"), r.PostFormValue("email"), r.PostFormValue("message"))

	if blocked, retryAfter := s.limiter.check(ip); blocked {
		s.audit.log(AuditContactRateLimited, r)
		setRetryAfter(w, retryAfter)
		p := s.pageContext(w, r, pageContact)
		p.Form = form
		p.Toast = &session.Toast{Type: session.ToastError, Message: p.Tr.T("contact.rateLimited")}
		s.render(w, http.StatusTooManyRequests, pageContact, p)
		return
	}
	s.limiter.record(ip)

	locale, _ := i18n.Negotiate(r)
	errs, err := s.contact.Submit(r.Context(), contact.Submission{
		Form:     form,
		Locale:   locale,
		RemoteIP: ip,
	})
	switch {
	case errors.Is(err, contact.ErrInvalidForm):
		p := s.pageContext(w, r, pageContact)
		p.Form = form
		p.Errors = errs
		s.render(w, http.StatusBadRequest, pageContact, p)
	case err != nil:
		s.audit.log(AuditContactFailed, r, slog.String("error", err.Error()))
		s.redirectWithToast(w, r, "/contact", session.ToastError, s.bundle.T(locale, "contact.failed"))
	default:
		s.audit.log(AuditContactSent, r)
		s.redirectWithToast(w, r, "/contact", session.ToastSuccess, s.bundle.T(locale, "contact.sent"))
	}
}

// ChangeLanguage stores the chosen locale in the locale cookie and sends
// the visitor back to the page they came from. Unsupported values are
// ignored.
func (s *Server) ChangeLanguage(w http.ResponseWriter, r *http.Request) {
	target := safeRedirect(r.PostFormValue("redirect"))
	lang := strings.TrimSpace(r.PostFormValue("language"))
	if !i18n.IsSupported(lang) {
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	setCookies(w, i18n.Cookie(lang, s.secure || requestIsSecure(r)))
	s.audit.log(AuditLanguageChanged, r, slog.String("locale", lang))
	s.redirectWithToast(w, r, target, session.ToastSuccess, s.bundle.T(lang, "languageChangedSuccessfully"))
}

// Token returns a valid token pair for the current session, refreshing it
// when needed. A rotated pair is written back to the session cookie.
func (s *Server) Token(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Auth.Get(r)
	ts, ok := s.resolver.Tokens(r.Context(),
		sess.Get(session.KeyAccessToken),
		sess.Get(session.KeyRefreshToken),
		sess.Get(session.KeyDeviceID),
	)
	if !ok {
		s.audit.log(AuditTokenDenied, r)
		writeError(w, http.StatusUnauthorized, "no valid session")
		return
	}
	if ts.AccessToken != sess.Get(session.KeyAccessToken) || ts.RefreshToken != sess.Get(session.KeyRefreshToken) {
		sess.Set(session.KeyAccessToken, ts.AccessToken)
		sess.Set(session.KeyRefreshToken, ts.RefreshToken)
		c, err := s.sessions.Auth.Commit(sess)
		if err != nil {
			s.logger.Error("committing rotated session failed", "error", err)
			writeError(w, http.StatusInternalServerError, "session update failed")
			return
		}
		setCookies(w, c)
	}
	s.audit.log(AuditTokenIssued, r, slog.String("device_id", ts.DeviceID))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ts)
}

// Logout drops the cached user and clears the session cookies.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	setCookies(w, s.resolver.Invalidate(r.Context(), r)...)
	s.audit.log(AuditLogout, r)
	locale, _ := i18n.Negotiate(r)
	s.redirectWithToast(w, r, "/", session.ToastSuccess, s.bundle.T(locale, "loggedOut"))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string              `json:"status"`
	Resolutions map[auth.Path]int64 `json:"resolutions"`
}

// Health reports liveness and resolver outcome counters.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Resolutions: s.resolver.Stats()})
}

// Image serves the image proxy.
func (s *Server) Image(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		http.NotFound(w, r)
		return
	}
	s.images.ServeHTTP(w, r)
}

// static serves regular files from the public directory and renders the
// not found page for everything else. Dot files are never served.
func (s *Server) static() http.HandlerFunc {
	var files http.Handler
	if s.publicDir != "" {
		files = http.FileServer(http.Dir(s.publicDir))
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if files != nil && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			clean := path.Clean("/" + r.URL.Path)
			if !hasDotSegment(clean) {
				info, err := os.Stat(filepath.Join(s.publicDir, filepath.FromSlash(clean)))
				if err == nil && info.Mode().IsRegular() {
					files.ServeHTTP(w, r)
					return
				}
			}
		}
		p := s.basePage(w, r, pageError)
		p.Status = http.StatusNotFound
		p.Message = p.Tr.T("errors.notFound")
		s.render(w, http.StatusNotFound, pageError, p)
	}
}

func hasDotSegment(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func (s *Server) redirectWithToast(w http.ResponseWriter, r *http.Request, target, typ, msg string) {
	c, err := s.sessions.SetToast(session.Toast{Type: typ, Message: msg})
	if err != nil {
		s.logger.Warn("setting toast failed", "error", err)
	} else {
		setCookies(w, c)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// safeRedirect keeps redirects on this site.
func safeRedirect(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}

func (s *Server) origin(r *http.Request) string {
	if s.siteURL != "" {
		return strings.TrimRight(s.siteURL, "/")
	}
	scheme := "http"
	if requestIsSecure(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
