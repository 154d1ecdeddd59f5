package web

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/otamoon/portfolio/internal/uuid"
)

const (
	csrfCookieName = "pf_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfFieldName  = "csrf_token"
	maxFormBytes   = 64 << 10
)

type csrfKey struct{}

// csrf enforces double-submit cookie protection on every mutating request.
// The token travels in the csrf_token form field or the X-CSRF-Token header.
// Safe requests get a token cookie when they lack one, and the token is
// exposed to templates through the request context.
func (s *Server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if c, err := r.Cookie(csrfCookieName); err == nil {
			token = c.Value
		}

		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			if !uuid.Valid(token) {
				token = uuid.New()
				http.SetCookie(w, s.csrfCookie(r, token))
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfKey{}, token)))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if token == "" {
			s.audit.log(AuditCSRFRejected, r)
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		submitted := r.Header.Get(csrfHeaderName)
		if submitted == "" {
			submitted = r.PostFormValue(csrfFieldName)
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(submitted)) != 1 {
			s.audit.log(AuditCSRFRejected, r)
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfKey{}, token)))
	})
}

// csrfCookie is readable by scripts so fetch calls can echo it as a header.
func (s *Server) csrfCookie(r *http.Request, token string) *http.Cookie {
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   s.secure || requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
}

func csrfToken(r *http.Request) string {
	token, _ := r.Context().Value(csrfKey{}).(string)
	return token
}
