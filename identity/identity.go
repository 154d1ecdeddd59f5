// Package identity is the client for the external identity API: it exchanges
// an access token for the current user and a refresh token for a new pair.
//
// Failures are reported as an Outcome rather than an error so callers can
// tell a rejected credential from an unreachable API.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/otamoon/portfolio/internal/httpx"
)

// DefaultTimeout bounds each identity API attempt.
const DefaultTimeout = 10 * time.Second

const maxResponseBody = 1 << 20

// Outcome classifies a Provider call.
type Outcome int

const (
	// Success means the call returned usable data.
	Success Outcome = iota
	// Rejected means the credential was refused or the answer was unusable.
	Rejected
	// Unavailable means the API could not be reached or failed after retry.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Rejected:
		return "rejected"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// UserInfo is the /users/@me payload. User is kept opaque.
type UserInfo struct {
	User                 json.RawMessage `json:"user"`
	AccessTokenExpiresIn int64           `json:"access_token_expires_in,omitempty"`
}

// Provider calls the identity API.
type Provider struct {
	baseURL  string
	timeout  time.Duration
	http     *httpx.Client
	httpOpts []httpx.Option
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHTTPOptions passes options to the underlying retrying transport.
func WithHTTPOptions(opts ...httpx.Option) Option {
	return func(p *Provider) { p.httpOpts = append(p.httpOpts, opts...) }
}

// New creates a Provider for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	p.logger = p.logger.With("component", "identity")
	p.http = httpx.NewClient(p.timeout, p.httpOpts...)
	return p
}

// FetchUser returns the user owning accessToken. When the API does not say
// when the token expires, the expiry is read from the token itself if it is
// a JWT.
func (p *Provider) FetchUser(ctx context.Context, accessToken string) (*UserInfo, Outcome) {
	if accessToken == "" {
		return nil, Rejected
	}

	var info UserInfo
	if outcome := p.get(ctx, "/users/@me", accessToken, &info); outcome != Success {
		return nil, outcome
	}
	if !isJSONObject(info.User) {
		p.logger.Warn("identity response missing user object", "path", "/users/@me")
		return nil, Rejected
	}
	if info.AccessTokenExpiresIn <= 0 {
		if exp, ok := jwtExpiry(accessToken); ok {
			if secs := int64(exp.Sub(p.now()).Seconds()); secs > 0 {
				info.AccessTokenExpiresIn = secs
			}
		}
	}
	return &info, Success
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// Refresh exchanges refreshToken for a new token pair.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, Outcome) {
	if refreshToken == "" {
		return nil, Rejected
	}

	var res refreshResponse
	if outcome := p.get(ctx, "/auth/refresh", refreshToken, &res); outcome != Success {
		return nil, outcome
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		p.logger.Warn("identity refresh returned an incomplete token pair")
		return nil, Rejected
	}

	tok := &oauth2.Token{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    "Bearer",
	}
	switch {
	case res.ExpiresIn > 0:
		tok.Expiry = p.now().Add(time.Duration(res.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(res.AccessToken); ok {
			tok.Expiry = exp
		}
	}
	return tok, Success
}

func (p *Provider) get(ctx context.Context, path, bearer string, dst any) Outcome {
	resp, err := p.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}).SetAuthHeader(req)
		return req, nil
	})
	if err != nil {
		outcome := classify(err)
		p.logger.Debug("identity request failed", "path", path, "outcome", outcome.String(), "error", err)
		return outcome
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(dst); err != nil {
		p.logger.Warn("identity response malformed", "path", path, "error", err)
		return Rejected
	}
	return Success
}

// classify maps a transport error to an Outcome. Server-side and network
// failures mean unavailable; any other status is a rejection.
func classify(err error) Outcome {
	var he *httpx.Error
	if !errors.As(err, &he) {
		return Unavailable
	}
	if he.Status >= http.StatusInternalServerError {
		return Unavailable
	}
	return Rejected
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only inspected to size cache lifetimes, never trusted for identity.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func isJSONObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return len(raw) > 0 && json.Unmarshal(raw, &m) == nil && m != nil
}
