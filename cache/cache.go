// Package cache defines the key/value contract shared by the process-local
// memory cache and the remote cache service client, and the policy that
// decides which of the two a process uses.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrEmptyKey is returned when an operation is attempted with an empty key.
var ErrEmptyKey = errors.New("cache key is required")

// Store is a TTL key/value store holding JSON-encoded values.
//
// Get reports found=false for missing and expired keys; err is reserved for
// infrastructure failures. A ttl <= 0 on Set selects the backend default.
// Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Mode names a cache backend.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// SelectMode is the one place that decides the backend: the remote service
// is used only when both its URL and API key are configured.
func SelectMode(serviceURL, apiKey string) Mode {
	if strings.TrimSpace(serviceURL) == "" || strings.TrimSpace(apiKey) == "" {
		return ModeLocal
	}
	return ModeRemote
}
