package identity

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otamoon/portfolio/internal/httpx"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithHTTPOptions(httpx.WithRetryDelay(time.Millisecond)))
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return tok
}

func TestFetchUser(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/@me", r.URL.Path)
		assert.Equal(t, "Bearer acc-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"user":{"id":"u1","name":"Ada"},"access_token_expires_in":900}`))
	})

	info, outcome := p.FetchUser(t.Context(), "acc-1")
	require.Equal(t, Success, outcome)
	assert.JSONEq(t, `{"id":"u1","name":"Ada"}`, string(info.User))
	assert.Equal(t, int64(900), info.AccessTokenExpiresIn)
}

func TestFetchUserDerivesExpiryFromJWT(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user":{"id":"u1"}}`))
	})
	tok := signedToken(t, time.Now().Add(10*time.Minute))

	info, outcome := p.FetchUser(t.Context(), tok)
	require.Equal(t, Success, outcome)
	assert.InDelta(t, 600, info.AccessTokenExpiresIn, 5)
}

func TestFetchUserOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    Outcome
		attempt int32
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"expired"}`, Rejected, 1},
		{"forbidden", http.StatusForbidden, ``, Rejected, 1},
		{"malformed body", http.StatusOK, `not json`, Rejected, 1},
		{"missing user", http.StatusOK, `{"access_token_expires_in":5}`, Rejected, 1},
		{"user not an object", http.StatusOK, `{"user":"ada"}`, Rejected, 1},
		{"server error", http.StatusInternalServerError, ``, Unavailable, 2},
		{"bad gateway", http.StatusBadGateway, ``, Unavailable, 2},
		{"not implemented", http.StatusNotImplemented, ``, Unavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			info, outcome := p.FetchUser(t.Context(), "acc")
			assert.Nil(t, info)
			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, tt.attempt, hits.Load())
		})
	}
}

func TestEmptyTokensAreRejectedWithoutCalls(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	_, outcome := p.FetchUser(t.Context(), "")
	assert.Equal(t, Rejected, outcome)
	_, outcome = p.Refresh(t.Context(), "")
	assert.Equal(t, Rejected, outcome)
	assert.Zero(t, hits.Load())
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(url, WithTimeout(time.Second), WithHTTPOptions(httpx.WithRetryDelay(time.Millisecond)))
	_, outcome := p.FetchUser(t.Context(), "acc")
	assert.Equal(t, Unavailable, outcome)
}

func TestRefresh(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	access := signedToken(t, exp)
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/refresh", r.URL.Path)
		assert.Equal(t, "Bearer ref-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"access_token":"` + access + `","refresh_token":"ref-2"}`))
	})

	tok, outcome := p.Refresh(t.Context(), "ref-1")
	require.Equal(t, Success, outcome)
	assert.Equal(t, access, tok.AccessToken)
	assert.Equal(t, "ref-2", tok.RefreshToken)
	assert.True(t, exp.Equal(tok.Expiry))
}

func TestRefreshExpiresIn(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"a","refresh_token":"b","expires_in":60}`))
	})

	tok, outcome := p.Refresh(t.Context(), "r")
	require.Equal(t, Success, outcome)
	assert.WithinDuration(t, time.Now().Add(time.Minute), tok.Expiry, 2*time.Second)
}

func TestRefreshIncompletePairRejected(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"a"}`))
	})

	tok, outcome := p.Refresh(t.Context(), "r")
	assert.Nil(t, tok)
	assert.Equal(t, Rejected, outcome)
}

func TestJWTExpiry(t *testing.T) {
	_, ok := jwtExpiry("opaque-token")
	assert.False(t, ok)
	_, ok = jwtExpiry("a.b.c")
	assert.False(t, ok)

	exp := time.Now().Add(time.Minute).Truncate(time.Second)
	got, ok := jwtExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, exp.Equal(got))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "unavailable", Unavailable.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
