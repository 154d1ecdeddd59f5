package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/otamoon/portfolio/internal/httpx"
)

const (
	webhookQueueSize  = 1024
	webhookTimeout    = 10 * time.Second
	webhookRetryDelay = 1 * time.Second
)

// webhookEvent is the JSON payload POSTed to the audit endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook ships audit events to an external endpoint from a single
// background goroutine. When the queue is full new events are dropped.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value"
	client     *httpx.Client
	logger     *slog.Logger
	events     chan webhookEvent
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func newAuditWebhook(url, authHeader string, logger *slog.Logger, opts ...httpx.Option) *auditWebhook {
	opts = append([]httpx.Option{httpx.WithRetryDelay(webhookRetryDelay)}, opts...)
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     httpx.NewClient(webhookTimeout, opts...),
		logger:     logger.With("component", "audit_webhook"),
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close drains the queue and waits for the sender to finish.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() { close(w.events) })
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(context.Background(), evt)
	}
}

// send POSTs evt. Retries follow the httpx policy: network errors and 5xx
// other than 501 are tried again, 4xx is final.
func (w *auditWebhook) send(ctx context.Context, evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	resp, err := w.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Portfolio-Audit-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
		return req, nil
	})
	if err != nil {
		w.logger.Warn("delivery failed", "event", evt.Event, "status", httpx.StatusOf(err), "error", err)
		return
	}
	resp.Body.Close()
}
