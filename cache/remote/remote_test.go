package remote

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otamoon/portfolio/cache/cachetest"
	"github.com/otamoon/portfolio/cache/memory"
	"github.com/otamoon/portfolio/cacheserver"
	"github.com/otamoon/portfolio/internal/httpx"
)

const testKey = "k3y"

func newClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPOptions(httpx.WithRetryDelay(time.Millisecond))}, opts...)
	c := New(url, testKey, opts...)
	t.Cleanup(c.Close)
	return c
}

func TestRemoteAgainstCacheServer(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	srv := httptest.NewServer(cacheserver.New(backend, testKey).Router())
	defer srv.Close()

	cachetest.RunStoreSuite(t, newClient(t, srv.URL))
}

func TestConcurrentGetsShareOneRequest(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := c.Get(t.Context(), "user:dev")
			if err == nil && ok {
				results[i] = string(got)
			}
		}()
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		assert.JSONEq(t, `{"v":1}`, r)
	}
}

func TestAbsenceIsCachedLocally(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	for range 3 {
		_, ok, err := c.Get(t.Context(), "user:none")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int32(1), hits.Load())

	c.ClearLocal()
	_, _, _ = c.Get(t.Context(), "user:none")
	assert.Equal(t, int32(2), hits.Load())
}

func TestLocalCopyExpires(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`1`))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL, WithLocalTTL(10*time.Millisecond))

	_, _, _ = c.Get(t.Context(), "k")
	_, _, _ = c.Get(t.Context(), "k")
	assert.Equal(t, int32(1), hits.Load())

	time.Sleep(20 * time.Millisecond)
	_, _, _ = c.Get(t.Context(), "k")
	assert.Equal(t, int32(2), hits.Load())
}

func TestRetryOnServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	got, ok, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"ok"`, string(got))
	assert.Equal(t, int32(2), hits.Load())
}

func TestPersistentFailureIsTyped(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	_, ok, err := c.Get(t.Context(), "k")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), hits.Load(), "exactly one retry")

	var he *httpx.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadGateway, he.Status)
	assert.Equal(t, "upstream down", he.Message)
	assert.True(t, IsUnavailable(err))
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	_, _, err := c.Get(t.Context(), "k")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, httpx.StatusOf(err))
	assert.False(t, IsUnavailable(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestSetRequestShape(t *testing.T) {
	var (
		gotAuth string
		gotKey  string
		gotBody map[string]json.RawMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.URL.Query().Get("key")
		b, _ := io.ReadAll(r.Body)
		gotBody = nil
		json.Unmarshal(b, &gotBody)
		w.Write([]byte(`{"message":"cached"}`))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	require.NoError(t, c.Set(t.Context(), "user:a b", []byte(`{"n":1}`), 1500*time.Millisecond))
	assert.Equal(t, "Bearer "+testKey, gotAuth)
	assert.Equal(t, "user:a b", gotKey)
	assert.JSONEq(t, `{"n":1}`, string(gotBody["data"]))
	assert.Equal(t, "2", string(gotBody["ttl"]))

	require.NoError(t, c.Set(t.Context(), "user:x", []byte(`true`), 0))
	_, hasTTL := gotBody["ttl"]
	assert.False(t, hasTTL)
}

func TestSetRejectsInvalidJSON(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:0")
	assert.Error(t, c.Set(t.Context(), "k", []byte(`{not json`), time.Second))
}

func TestSetUpdatesLocalCopy(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Write([]byte(`{"message":"cached"}`))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	require.NoError(t, c.Set(t.Context(), "k", []byte(`{"fresh":true}`), time.Minute))
	got, ok, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"fresh":true}`, string(got))
	assert.Zero(t, gets.Load())
}

func TestDeleteIsIdempotentAndPurgesLocal(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	require.NoError(t, c.Set(t.Context(), "k", []byte(`1`), time.Minute))
	require.NoError(t, c.Delete(t.Context(), "k"))
	_, ok, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.False(t, ok)

	status.Store(http.StatusNotFound)
	assert.NoError(t, c.Delete(t.Context(), "k"))
}

func TestDeleteFailurePurgesLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"message":"cached"}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	require.NoError(t, c.Set(t.Context(), "k", []byte(`1`), time.Minute))
	require.Error(t, c.Delete(t.Context(), "k"))

	_, ok, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.False(t, ok, "local copy must not outlive a delete attempt")
}

func TestSweep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`1`))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL, WithLocalTTL(time.Millisecond))

	_, _, _ = c.Get(t.Context(), "k")
	time.Sleep(5 * time.Millisecond)
	c.sweep()

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Empty(t, c.local)
}
