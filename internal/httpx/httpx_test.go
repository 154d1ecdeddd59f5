package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getFunc(url string) RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func statusServer(t *testing.T, attempts *atomic.Int32, statuses ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(attempts.Add(1)) - 1
		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"message":"status message"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDo_RetryOn500(t *testing.T) {
	var attempts atomic.Int32
	srv := statusServer(t, &attempts, http.StatusInternalServerError, http.StatusOK)

	c := NewClient(time.Second, WithRetryDelay(time.Millisecond))
	resp, err := c.Do(t.Context(), getFunc(srv.URL))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestDo_RetriesOnlyOnce(t *testing.T) {
	var attempts atomic.Int32
	srv := statusServer(t, &attempts, http.StatusBadGateway)

	c := NewClient(time.Second, WithRetryDelay(time.Millisecond))
	_, err := c.Do(t.Context(), getFunc(srv.URL))
	require.Error(t, err)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, http.StatusBadGateway, StatusOf(err))
}

func TestDo_NoRetryOn501(t *testing.T) {
	var attempts atomic.Int32
	srv := statusServer(t, &attempts, http.StatusNotImplemented)

	c := NewClient(time.Second, WithRetryDelay(time.Millisecond))
	_, err := c.Do(t.Context(), getFunc(srv.URL))
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load(), "501 is not transient")
}

func TestDo_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	srv := statusServer(t, &attempts, http.StatusNotFound)

	c := NewClient(time.Second, WithRetryDelay(time.Millisecond))
	_, err := c.Do(t.Context(), getFunc(srv.URL))
	require.Error(t, err)

	var he *Error
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusNotFound, he.Status)
	assert.Equal(t, "status message", he.Message)
	assert.JSONEq(t, `{"message":"status message"}`, string(he.Data))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDo_TransportErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(time.Second, WithRetryDelay(time.Millisecond))
	_, err := c.Do(t.Context(), getFunc(url))
	require.Error(t, err)

	var he *Error
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusInternalServerError, he.Status)
	assert.NotNil(t, he.Err)
}

func TestDo_CanceledContextStopsRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := statusServer(t, &attempts, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(t.Context())
	c := NewClient(time.Second, WithRetryDelay(time.Hour))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Do(ctx, getFunc(srv.URL))
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExtractMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "", ""},
		{"plain", "boom\n", "boom"},
		{"jsonString", `"quoted"`, "quoted"},
		{"message", `{"message":"m"}`, "m"},
		{"errorString", `{"error":"e"}`, "e"},
		{"errorObject", `{"error":{"message":"nested"}}`, "nested"},
		{"other", `{"code":7}`, `{"code":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractMessage([]byte(tt.body)))
		})
	}
}
