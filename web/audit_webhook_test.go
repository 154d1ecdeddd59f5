package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otamoon/portfolio/auth"
	"github.com/otamoon/portfolio/internal/httpx"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWebhook(url, authHeader string) *auditWebhook {
	return newAuditWebhook(url, authHeader, discardLogger(), httpx.WithRetryDelay(time.Millisecond))
}

func TestWebhookDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received webhookEvent
		header   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		header = r.Header.Get("X-Audit-Key")
		_ = json.NewDecoder(r.Body).Decode(&received)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "X-Audit-Key: s3cret")
	wh.enqueue(webhookEvent{
		Event:      "contact_sent",
		RemoteAddr: "127.0.0.1",
		Timestamp:  "2026-01-01T00:00:00Z",
		Attrs:      map[string]string{"key": "value"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "contact_sent", received.Event)
	assert.Equal(t, "127.0.0.1", received.RemoteAddr)
	assert.Equal(t, "value", received.Attrs["key"])
	assert.Equal(t, "s3cret", header)
}

func TestWebhookRetries(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		want     int32
	}{
		{"retry once on 5xx", []int{500, 200}, 2},
		{"gives up after second 5xx", []int{503, 503, 503}, 2},
		{"no retry on 4xx", []int{400}, 1},
		{"no retry on 501", []int{501}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				w.WriteHeader(tc.statuses[min(int(n)-1, len(tc.statuses)-1)])
			}))
			defer srv.Close()

			wh := newTestWebhook(srv.URL, "")
			wh.enqueue(webhookEvent{Event: "test", Timestamp: "2026-01-01T00:00:00Z"})
			wh.close()
			assert.Equal(t, tc.want, attempts.Load())
		})
	}
}

func TestWebhookCloseIsIdempotent(t *testing.T) {
	wh := newTestWebhook("http://127.0.0.1:0", "")
	wh.close()
	wh.close()
}

func TestAuditLoggerWritesAndForwards(t *testing.T) {
	var events atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events.Add(1)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	al := newAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	al.webhook = newTestWebhook(srv.URL, "")

	r := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	al.log(AuditLogout, r, slog.String("device_id", "dev-1"))
	al.system(AuditAuthAlert, slog.String("type", "identity_outage"))
	al.close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "logout", first["event"])
	assert.Equal(t, "audit", first["component"])
	assert.Equal(t, "dev-1", first["device_id"])
	assert.Equal(t, "192.0.2.1:1234", first["remote_addr"])
	assert.Equal(t, int32(2), events.Load())
}

func TestRecordAlert(t *testing.T) {
	var buf bytes.Buffer
	s := &Server{audit: newAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))}
	s.RecordAlert(auth.AlertEvent{Type: auth.AlertIdentityOutage, Message: "down", Count: 20, Threshold: 20})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "auth_alert", line["event"])
	assert.Equal(t, "identity_outage", line["type"])
	assert.EqualValues(t, 20, line["count"])
}
