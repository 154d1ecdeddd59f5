// Package session implements the encrypted cookie sessions used by the site:
// the main auth session, the secondary-factor session and the one-shot
// toast.
package session

import (
	"net/http"
	"time"
)

// Cookie names.
const (
	AuthCookie         = "u_sess_a8"
	SecondFactorCookie = "xid_01"
	ToastCookie        = "zx_q9k_m7"
)

// AuthMaxAge is the lifetime of the auth session cookie.
const AuthMaxAge = 7 * 24 * time.Hour

// Well-known auth session keys.
const (
	KeyDeviceID     = "device_id"
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Session is the decoded content of one cookie.
type Session struct {
	values map[string]string
}

// Get returns the value for key, or "" when unset.
func (s *Session) Get(key string) string { return s.values[key] }

// Has reports whether key is set to a non-empty value.
func (s *Session) Has(key string) bool { return s.values[key] != "" }

// Set stores value under key. An empty value reads back as unset.
func (s *Session) Set(key, value string) { s.values[key] = value }

// CookieOptions holds the attributes shared by every session cookie.
type CookieOptions struct {
	Secure bool
	Domain string
}

// Store reads and writes one named cookie.
type Store struct {
	codec  *Codec
	name   string
	maxAge time.Duration
	opts   CookieOptions
}

// NewStore returns a Store for cookie name. A zero maxAge makes it a
// browser-session cookie.
func NewStore(codec *Codec, name string, maxAge time.Duration, opts CookieOptions) *Store {
	return &Store{codec: codec, name: name, maxAge: maxAge, opts: opts}
}

// Get decodes the cookie from r. A missing or invalid cookie yields an empty
// session, never an error.
func (s *Store) Get(r *http.Request) *Session {
	sess := &Session{values: map[string]string{}}
	c, err := r.Cookie(s.name)
	if err != nil || c.Value == "" {
		return sess
	}
	var values map[string]string
	if err := s.codec.Decode(s.name, c.Value, &values); err != nil || values == nil {
		return sess
	}
	sess.values = values
	return sess
}

// Commit encodes sess into a Set-Cookie value.
func (s *Store) Commit(sess *Session) (*http.Cookie, error) {
	value, err := s.codec.Encode(s.name, sess.values, s.maxAge)
	if err != nil {
		return nil, err
	}
	c := s.cookie(value)
	if s.maxAge > 0 {
		c.MaxAge = int(s.maxAge.Seconds())
		c.Expires = time.Now().Add(s.maxAge)
	}
	return c, nil
}

// Destroy returns a cookie that clears the session in the browser.
func (s *Store) Destroy() *http.Cookie {
	c := s.cookie("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

// New returns an empty session bound to this store's cookie.
func (s *Store) New() *Session {
	return &Session{values: map[string]string{}}
}

func (s *Store) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     s.name,
		Value:    value,
		Path:     "/",
		Domain:   s.opts.Domain,
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Manager bundles the three stores the site uses.
type Manager struct {
	Auth         *Store
	SecondFactor *Store
	Toast        *Store
}

// NewManager builds the stores from one secret.
func NewManager(secret []byte, opts CookieOptions) (*Manager, error) {
	codec, err := NewCodec(secret)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Auth:         NewStore(codec, AuthCookie, AuthMaxAge, opts),
		SecondFactor: NewStore(codec, SecondFactorCookie, 0, opts),
		Toast:        NewStore(codec, ToastCookie, 0, opts),
	}, nil
}
