// Package auth resolves the signed-in user for a request from the session
// cookie, a short-lived user cache and the identity API.
//
// Resolution tries, in order: the cache entry for the session's device, the
// stored access token, then the refresh token. The first that works wins.
// Resolve never returns an error; every failure degrades to an anonymous
// result.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/otamoon/portfolio/cache"
	"github.com/otamoon/portfolio/identity"
	"github.com/otamoon/portfolio/session"
)

const (
	// DefaultCacheTTL is the lifetime of a cached user. A hit skips the
	// identity API entirely, so upstream revocations surface at most this
	// late.
	DefaultCacheTTL = 10 * time.Second
	// DefaultTimeout bounds a whole resolution.
	DefaultTimeout = 30 * time.Second
)

var errCorruptEntry = errors.New("cached user entry is malformed")

// TokenProvider is the identity API as seen by the resolver.
type TokenProvider interface {
	FetchUser(ctx context.Context, accessToken string) (*identity.UserInfo, identity.Outcome)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, identity.Outcome)
}

// User is the opaque user object with device_id merged in.
type User map[string]any

// ID returns the user's "id" field when it is a string.
func (u User) ID() string {
	id, _ := u["id"].(string)
	return id
}

// Result is the outcome of Resolve. A nil User means anonymous. Cookies must
// be set on the response whatever the outcome.
type Result struct {
	User    User
	Cookies []*http.Cookie
	Path    Path
}

// Authenticated reports whether a user was resolved.
func (r Result) Authenticated() bool { return r.User != nil }

// Entry is the cached value stored under CacheKey(device_id).
type Entry struct {
	User                 json.RawMessage `json:"user"`
	AccessToken          string          `json:"access_token"`
	RefreshToken         string          `json:"refresh_token"`
	AccessTokenExpiresIn int64           `json:"access_token_expires_in,omitempty"`
	DeviceID             string          `json:"device_id"`
}

// TokenSet is a confirmed-valid token pair for a device.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

// CacheKey is the cache key for a device's user entry.
func CacheKey(deviceID string) string { return "user:" + deviceID }

// Resolver implements the resolution ladder.
type Resolver struct {
	cache    cache.Store
	tokens   TokenProvider
	sessions *session.Manager
	cacheTTL time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	alertFn  AlertFunc
	metrics  *metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithAlertFunc registers a callback for invalidation spikes and identity
// outages.
func WithAlertFunc(fn AlertFunc) Option {
	return func(r *Resolver) { r.alertFn = fn }
}

// NewResolver wires a Resolver. The cache is chosen by the caller once at
// startup.
func NewResolver(store cache.Store, tokens TokenProvider, sessions *session.Manager, opts ...Option) *Resolver {
	r := &Resolver{
		cache:    store,
		tokens:   tokens,
		sessions: sessions,
		cacheTTL: DefaultCacheTTL,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	r.logger = r.logger.With("component", "auth")
	r.metrics = newMetrics(r.alertFn)
	return r
}

// Stats returns how many resolutions ended on each path.
func (r *Resolver) Stats() map[Path]int64 {
	return r.metrics.snapshot()
}

// Resolve determines the user for req. Work continues if the client goes
// away mid-resolution so rotated tokens still reach the cache.
func (r *Resolver) Resolve(req *http.Request) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("session resolution panicked", "panic", fmt.Sprint(p))
			res = Result{Path: PathFailSafe}
		}
		r.metrics.record(res.Path)
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), r.timeout)
	defer cancel()

	sess := r.sessions.Auth.Get(req)
	if !sess.Has(session.KeyDeviceID) {
		return Result{
			Cookies: []*http.Cookie{r.sessions.SecondFactor.Destroy()},
			Path:    PathNoSession,
		}
	}
	deviceID := sess.Get(session.KeyDeviceID)
	logger := r.logger.With("device_id", deviceID)

	if entry, ok := r.lookup(ctx, logger, deviceID); ok {
		user, err := entry.user(deviceID)
		if err == nil {
			// The cache holds the most recently confirmed pair.
			if entry.AccessToken != "" && entry.RefreshToken != "" {
				sess.Set(session.KeyAccessToken, entry.AccessToken)
				sess.Set(session.KeyRefreshToken, entry.RefreshToken)
			}
			return r.authenticated(logger, sess, user, PathCacheHit)
		}
		logger.Warn("ignoring cached user", "error", err)
	}

	entry, path := r.confirm(ctx, logger, deviceID, sess.Get(session.KeyAccessToken), sess.Get(session.KeyRefreshToken))
	if path == PathInvalidated || path == PathUnavailable {
		if path == PathUnavailable {
			logger.Warn("identity API unavailable, ending session")
		} else {
			logger.Info("session invalidated")
		}
		return Result{
			Cookies: []*http.Cookie{r.sessions.Auth.Destroy(), r.sessions.SecondFactor.Destroy()},
			Path:    path,
		}
	}

	if err := r.store(ctx, entry); err != nil {
		logger.Error("writing user cache failed", "error", err)
		return Result{Path: PathFailSafe}
	}

	user, err := entry.user(deviceID)
	if err != nil {
		logger.Error("identity returned unusable user", "error", err)
		return Result{Path: PathFailSafe}
	}
	sess.Set(session.KeyAccessToken, entry.AccessToken)
	sess.Set(session.KeyRefreshToken, entry.RefreshToken)
	return r.authenticated(logger, sess, user, path)
}

// Tokens returns a valid token pair for the device, refreshing it when the
// access token is no longer accepted. It reports false when no valid pair
// can be produced.
func (r *Resolver) Tokens(ctx context.Context, accessToken, refreshToken, deviceID string) (ts TokenSet, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("token lookup panicked", "panic", fmt.Sprint(p))
			ts, ok = TokenSet{}, false
		}
	}()
	if deviceID == "" {
		return TokenSet{}, false
	}
	logger := r.logger.With("device_id", deviceID)

	if entry, hit := r.lookup(ctx, logger, deviceID); hit && entry.AccessToken != "" {
		return entry.tokenSet(), true
	}

	entry, path := r.confirm(ctx, logger, deviceID, accessToken, refreshToken)
	if path != PathAccessToken && path != PathRefreshed {
		return TokenSet{}, false
	}
	if err := r.store(ctx, entry); err != nil {
		logger.Error("writing user cache failed", "error", err)
		return TokenSet{}, false
	}
	return entry.tokenSet(), true
}

// Invalidate drops the cached user for the request's device and returns the
// cookies that end the session.
func (r *Resolver) Invalidate(ctx context.Context, req *http.Request) []*http.Cookie {
	sess := r.sessions.Auth.Get(req)
	if deviceID := sess.Get(session.KeyDeviceID); deviceID != "" {
		if err := r.cache.Delete(ctx, CacheKey(deviceID)); err != nil {
			r.logger.Warn("deleting cached user failed", "device_id", deviceID, "error", err)
		}
	}
	return []*http.Cookie{r.sessions.Auth.Destroy(), r.sessions.SecondFactor.Destroy()}
}

// confirm walks the token ladder. On PathAccessToken and PathRefreshed the
// entry holds the confirmed user and pair; every other path returns nil.
// PathUnavailable separates outages from rejections for metrics only.
func (r *Resolver) confirm(ctx context.Context, logger *slog.Logger, deviceID, access, refresh string) (*Entry, Path) {
	info, outcome := r.tokens.FetchUser(ctx, access)
	if outcome == identity.Success {
		return newEntry(deviceID, info, access, refresh), PathAccessToken
	}
	logger.Debug("access token not accepted", "outcome", outcome.String())

	tok, outcome := r.tokens.Refresh(ctx, refresh)
	switch outcome {
	case identity.Rejected:
		return nil, PathInvalidated
	case identity.Unavailable:
		return nil, PathUnavailable
	}

	info, outcome = r.tokens.FetchUser(ctx, tok.AccessToken)
	switch outcome {
	case identity.Success:
		return newEntry(deviceID, info, tok.AccessToken, tok.RefreshToken), PathRefreshed
	case identity.Unavailable:
		return nil, PathUnavailable
	default:
		return nil, PathInvalidated
	}
}

// lookup treats cache errors as a miss.
func (r *Resolver) lookup(ctx context.Context, logger *slog.Logger, deviceID string) (*Entry, bool) {
	raw, ok, err := r.cache.Get(ctx, CacheKey(deviceID))
	if err != nil {
		logger.Warn("user cache read failed, treating as miss", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		logger.Warn("user cache entry undecodable", "error", err)
		return nil, false
	}
	return &e, true
}

func (r *Resolver) store(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return r.cache.Set(ctx, CacheKey(e.DeviceID), raw, r.ttlFor(e))
}

// ttlFor caps the cache lifetime at the access token's remaining life.
func (r *Resolver) ttlFor(e *Entry) time.Duration {
	ttl := r.cacheTTL
	if e.AccessTokenExpiresIn > 0 {
		if exp := time.Duration(e.AccessTokenExpiresIn) * time.Second; exp < ttl {
			ttl = exp
		}
	}
	return ttl
}

func (r *Resolver) authenticated(logger *slog.Logger, sess *session.Session, user User, path Path) Result {
	c, err := r.sessions.Auth.Commit(sess)
	if err != nil {
		logger.Error("committing session failed", "error", err)
		return Result{Path: PathFailSafe}
	}
	logger.Debug("session resolved", "path", string(path))
	return Result{User: user, Cookies: []*http.Cookie{c}, Path: path}
}

func newEntry(deviceID string, info *identity.UserInfo, access, refresh string) *Entry {
	return &Entry{
		User:                 info.User,
		AccessToken:          access,
		RefreshToken:         refresh,
		AccessTokenExpiresIn: info.AccessTokenExpiresIn,
		DeviceID:             deviceID,
	}
}

func (e *Entry) user(deviceID string) (User, error) {
	var u User
	if err := json.Unmarshal(e.User, &u); err != nil || u == nil {
		return nil, errCorruptEntry
	}
	u["device_id"] = deviceID
	return u, nil
}

func (e *Entry) tokenSet() TokenSet {
	return TokenSet{AccessToken: e.AccessToken, RefreshToken: e.RefreshToken, DeviceID: e.DeviceID}
}
