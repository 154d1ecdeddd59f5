// Package remote is the cache.Store client for the shared cache service.
//
// Reads go through a short-lived local copy, so a value written by another
// instance can be observed up to the local TTL late. Concurrent reads of the
// same key share one network request.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/otamoon/portfolio/cache"
	"github.com/otamoon/portfolio/internal/httpx"
)

const (
	// DefaultTimeout bounds each network attempt.
	DefaultTimeout = 2 * time.Second
	// LocalTTL is how long a fetched value (or absence) is served locally.
	LocalTTL = time.Second
	// SweepInterval is how often stale local copies are dropped.
	SweepInterval = 10 * time.Second

	maxValueSize = 8 << 20
)

// localCopy holds a value fetched or written recently. A nil data marks a
// key the service reported as missing.
type localCopy struct {
	data     []byte
	storedAt time.Time
}

// Client talks to the cache service over HTTP.
type Client struct {
	baseURL  string
	apiKey   string
	http     *httpx.Client
	httpOpts []httpx.Option
	logger   *slog.Logger

	localTTL   time.Duration
	sweepEvery time.Duration

	mu      sync.RWMutex
	local   map[string]localCopy
	version uint64

	group    singleflight.Group
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ cache.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithLocalTTL overrides LocalTTL.
func WithLocalTTL(d time.Duration) Option {
	return func(c *Client) { c.localTTL = d }
}

// WithSweepInterval overrides SweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// WithHTTPOptions passes options to the underlying retrying transport.
func WithHTTPOptions(opts ...httpx.Option) Option {
	return func(c *Client) { c.httpOpts = append(c.httpOpts, opts...) }
}

// New creates a Client for the service at baseURL and starts the local
// sweep. Call Close to stop it.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		localTTL:   LocalTTL,
		sweepEvery: SweepInterval,
		local:      make(map[string]localCopy),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "remote_cache")
	c.http = httpx.NewClient(DefaultTimeout, c.httpOpts...)
	go c.sweepLoop()
	return c
}

// Get returns the value stored under key. A 404 from the service is
// reported as found=false and remembered locally.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, cache.ErrEmptyKey
	}
	if data, ok := c.lookupLocal(key); ok {
		return cloneOrNil(data), data != nil, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		if IsUnavailable(err) {
			c.logger.Warn("cache service unavailable", "key", key, "error", err)
		} else {
			c.logger.Error("cache service rejected lookup", "key", key, "error", err)
		}
		return nil, false, err
	}
	data, _ := v.([]byte)
	return cloneOrNil(data), data != nil, nil
}

func (c *Client) fetch(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	startVersion := c.version
	c.mu.RUnlock()

	resp, err := c.http.Do(ctx, c.request(http.MethodGet, key, nil))
	if err != nil {
		if httpx.StatusOf(err) == http.StatusNotFound {
			c.storeFetched(key, nil, startVersion)
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxValueSize))
	if err != nil {
		return nil, &httpx.Error{Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
	}
	if data == nil {
		data = []byte{}
	}
	c.storeFetched(key, data, startVersion)
	return data, nil
}

// storeFetched keeps a fetched value unless a Set or Delete happened while
// the request was in flight.
func (c *Client) storeFetched(key string, data []byte, startVersion uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != startVersion {
		return
	}
	c.local[key] = localCopy{data: data, storedAt: time.Now()}
}

type setRequest struct {
	Data json.RawMessage `json:"data"`
	TTL  int64           `json:"ttl,omitempty"`
}

// Set stores value, which must be valid JSON. The ttl is sent in whole
// seconds, rounded up; a non-positive ttl lets the service choose.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return cache.ErrEmptyKey
	}
	if !json.Valid(value) {
		return fmt.Errorf("cache value for %q is not valid JSON", key)
	}

	body, err := json.Marshal(setRequest{Data: value, TTL: ttlSeconds(ttl)})
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	resp, err := c.http.Do(ctx, c.request(http.MethodPost, key, body))
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.mu.Lock()
	c.version++
	c.local[key] = localCopy{data: bytes.Clone(value), storedAt: time.Now()}
	c.mu.Unlock()
	c.group.Forget(key)
	return nil
}

// Delete removes key from the service. The local copy is purged whether or
// not the remote call succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return cache.ErrEmptyKey
	}

	resp, err := c.http.Do(ctx, c.request(http.MethodDelete, key, nil))
	if err == nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.version++
	delete(c.local, key)
	c.mu.Unlock()
	c.group.Forget(key)

	if httpx.StatusOf(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// ClearLocal drops every local copy.
func (c *Client) ClearLocal() {
	c.mu.Lock()
	c.version++
	c.local = make(map[string]localCopy)
	c.mu.Unlock()
}

// Close stops the background sweep.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Client) request(method, key string, body []byte) httpx.RequestFunc {
	target := c.baseURL + "/cache?" + url.Values{"key": {key}}.Encode()
	return func(ctx context.Context) (*http.Request, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}
}

func (c *Client) lookupLocal(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lc, ok := c.local[key]
	if !ok || time.Since(lc.storedAt) >= c.localTTL {
		return nil, false
	}
	return lc.data, true
}

func (c *Client) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Client) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, lc := range c.local {
		if time.Since(lc.storedAt) > c.localTTL {
			delete(c.local, key)
		}
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64(math.Ceil(ttl.Seconds()))
}

func cloneOrNil(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}

// IsUnavailable reports whether err came from the service being unreachable
// or failing, as opposed to a rejected request.
func IsUnavailable(err error) bool {
	var he *httpx.Error
	return errors.As(err, &he) && he.Status >= http.StatusInternalServerError
}
