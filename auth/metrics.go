package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Path names how a resolution ended.
type Path string

const (
	PathNoSession   Path = "no_session"
	PathCacheHit    Path = "cache_hit"
	PathAccessToken Path = "access_token"
	PathRefreshed   Path = "refreshed"
	PathInvalidated Path = "invalidated"
	PathUnavailable Path = "unavailable"
	PathFailSafe    Path = "fail_safe"
)

var allPaths = []Path{
	PathNoSession, PathCacheHit, PathAccessToken, PathRefreshed,
	PathInvalidated, PathUnavailable, PathFailSafe,
}

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertInvalidationSpike AlertType = "invalidation_spike"
	AlertIdentityOutage    AlertType = "identity_outage"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultInvalidationWindow    = time.Minute
	defaultInvalidationThreshold = 50
	defaultOutageWindow          = time.Minute
	defaultOutageThreshold       = 20
)

// metrics counts resolutions per path and raises alerts when sessions are
// being invalidated, or the identity API is failing, faster than expected.
type metrics struct {
	counts map[Path]*atomic.Int64

	mu                    sync.Mutex
	invalidations         []time.Time
	invalidationWindow    time.Duration
	invalidationThreshold int
	outages               []time.Time
	outageWindow          time.Duration
	outageThreshold       int

	alertFn AlertFunc
}

func newMetrics(alertFn AlertFunc) *metrics {
	m := &metrics{
		counts:                make(map[Path]*atomic.Int64, len(allPaths)),
		invalidationWindow:    defaultInvalidationWindow,
		invalidationThreshold: defaultInvalidationThreshold,
		outageWindow:          defaultOutageWindow,
		outageThreshold:       defaultOutageThreshold,
		alertFn:               alertFn,
	}
	for _, p := range allPaths {
		m.counts[p] = new(atomic.Int64)
	}
	return m
}

func (m *metrics) record(p Path) {
	if m == nil {
		return
	}
	if c, ok := m.counts[p]; ok {
		c.Add(1)
	}
	if m.alertFn == nil {
		return
	}
	switch p {
	case PathInvalidated:
		m.observe(&m.invalidations, m.invalidationWindow, m.invalidationThreshold,
			AlertInvalidationSpike, "session invalidation rate exceeds threshold")
	case PathUnavailable:
		m.observe(&m.outages, m.outageWindow, m.outageThreshold,
			AlertIdentityOutage, "identity API failure rate exceeds threshold")
	}
}

func (m *metrics) observe(window *[]time.Time, span time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	*window = append(*window, now)
	*window = trimWindow(*window, now, span)

	if len(*window) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*window),
			Threshold: threshold,
			Timestamp: now,
		})
		*window = (*window)[:0]
	}
}

// snapshot returns the per-path counters.
func (m *metrics) snapshot() map[Path]int64 {
	out := make(map[Path]int64, len(m.counts))
	for p, c := range m.counts {
		out[p] = c.Load()
	}
	return out
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
