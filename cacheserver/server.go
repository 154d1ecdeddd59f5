// Package cacheserver serves the key/value HTTP contract the remote cache
// client talks to: GET, POST and DELETE on /cache?key=<k>, guarded by a
// bearer API key.
package cacheserver

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/otamoon/portfolio/cache"
)

// DefaultTTL is used when a POST omits ttl.
const DefaultTTL = 10 * time.Minute

const maxBody = 4 << 20

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes a cache.Store over HTTP.
type Server struct {
	store      cache.Store
	apiKey     []byte
	defaultTTL time.Duration
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// New creates a Server. An empty apiKey rejects every request.
func New(store cache.Store, apiKey string, opts ...Option) *Server {
	s := &Server{
		store:      store,
		apiKey:     []byte(apiKey),
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "cacheserver")
	return s
}

// Router returns the HTTP routes. /health is unauthenticated.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/cache", s.get)
		r.Post("/cache", s.set)
		r.Delete("/cache", s.delete)
	})
	return r
}

type setRequest struct {
	Data json.RawMessage `json:"data"`
	TTL  *float64        `json:"ttl,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || len(s.apiKey) == 0 || subtle.ConstantTimeCompare([]byte(token), s.apiKey) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, cache.ErrEmptyKey.Error())
		return
	}
	val, ok, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("cache get failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(val)
}

func (s *Server) set(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, cache.ErrEmptyKey.Error())
		return
	}

	var req setRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Data) == 0 || bytes.Equal(bytes.TrimSpace(req.Data), []byte("null")) {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	ttl, err := s.ttlOf(req.TTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.Set(r.Context(), key, req.Data, ttl); err != nil {
		s.logger.Error("cache set failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "cached"})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, cache.ErrEmptyKey.Error())
		return
	}
	if err := s.store.Delete(r.Context(), key); err != nil {
		s.logger.Error("cache delete failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "deleted"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "backend unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errInvalidTTL = errors.New("ttl must be a non-negative number of seconds")

func (s *Server) ttlOf(seconds *float64) (time.Duration, error) {
	if seconds == nil || *seconds == 0 {
		return s.defaultTTL, nil
	}
	if *seconds < 0 || math.IsNaN(*seconds) || *seconds > math.MaxInt32 {
		return 0, errInvalidTTL
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}
