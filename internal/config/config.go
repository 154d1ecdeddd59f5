// Package config loads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/otamoon/portfolio/cache"
	"github.com/otamoon/portfolio/session"
)

const (
	DefaultPort       = 3000
	DefaultCachePort  = 4000
	DefaultAPITimeout = 10 * time.Second
)

// ErrMissing is wrapped by Validate for every required setting that is unset.
var ErrMissing = errors.New("required setting missing")

type HTTP struct {
	Port           int
	SiteURL        string
	TrustedProxies string
}

type Cache struct {
	ServiceURL string
	APIKey     string
	ServerPort int
}

type API struct {
	Host    string
	Timeout time.Duration
}

type Session struct {
	Secret string
	Domain string
}

type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
}

type Contact struct {
	From string
	To   string
}

type Audit struct {
	WebhookURL  string
	WebhookAuth string
}

type Redis struct {
	Addr     string
	Password string
}

// Config is the full process configuration.
type Config struct {
	Env        string
	LogLevel   string
	PublicDir  string
	DataDir    string
	ImageHosts []string

	HTTP    HTTP
	Cache   Cache
	API     API
	Session Session
	SMTP    SMTP
	Contact Contact
	Audit   Audit
	Redis   Redis
}

// Load reads path (or ./.env when path is empty and the file exists) and
// resolves every setting. Real environment variables win over the file.
func Load(path string) (*Config, error) {
	file := map[string]string{}
	if path != "" {
		m, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", path, err)
		}
		file = m
	} else if m, err := godotenv.Read(); err == nil {
		file = m
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	return FromLookup(func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return file[key]
	})
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) string) (*Config, error) {
	e := env{lookup: lookup}
	cfg := &Config{
		Env:        strings.ToLower(e.str("APP_ENV", "development")),
		LogLevel:   e.str("LOG_LEVEL", "info"),
		PublicDir:  e.str("PUBLIC_DIR", "./public"),
		DataDir:    e.str("DATA_DIR", "./data"),
		ImageHosts: e.list("IMAGE_ALLOWED_HOSTS"),
		HTTP: HTTP{
			Port:           e.integer("PORT", DefaultPort),
			SiteURL:        e.str("SITE_URL", ""),
			TrustedProxies: e.str("TRUSTED_PROXIES", ""),
		},
		Cache: Cache{
			ServiceURL: e.str("CACHE_SERVICE_URL", ""),
			APIKey:     e.str("CACHE_SERVICE_API_KEY", ""),
			ServerPort: e.integer("CACHE_SERVER_PORT", DefaultCachePort),
		},
		API: API{
			Host:    e.str("API_HOST", ""),
			Timeout: e.duration("API_TIMEOUT", DefaultAPITimeout),
		},
		Session: Session{
			Secret: e.str("SESSION_SECRET", ""),
			Domain: e.str("SESSION_DOMAIN", ""),
		},
		SMTP: SMTP{
			Host:     e.str("SMTP_HOST", ""),
			Port:     e.integer("SMTP_PORT", 0),
			User:     e.str("SMTP_USER", ""),
			Password: e.str("SMTP_PASS", ""),
		},
		Contact: Contact{
			From: e.str("CONTACT_FROM", ""),
			To:   e.str("CONTACT_TO", ""),
		},
		Audit: Audit{
			WebhookURL:  e.str("AUDIT_WEBHOOK_URL", ""),
			WebhookAuth: e.str("AUDIT_WEBHOOK_AUTH", ""),
		},
		Redis: Redis{
			Addr:     e.str("REDIS_ADDR", ""),
			Password: e.str("REDIS_PASSWORD", ""),
		},
	}
	if e.err != nil {
		return nil, e.err
	}
	if cfg.Contact.From == "" {
		cfg.Contact.From = cfg.SMTP.User
	}
	if cfg.Contact.To == "" {
		cfg.Contact.To = cfg.SMTP.User
	}
	return cfg, nil
}

// Validate reports the settings the site server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.Secret == "" {
		errs = append(errs, fmt.Errorf("%w: SESSION_SECRET", ErrMissing))
	}
	if c.API.Host == "" {
		errs = append(errs, fmt.Errorf("%w: API_HOST", ErrMissing))
	}
	return errors.Join(errs...)
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool { return c.Env == "production" }

// CacheMode picks the session cache backend.
func (c *Config) CacheMode() cache.Mode {
	return cache.SelectMode(c.Cache.ServiceURL, c.Cache.APIKey)
}

// CookieOptions marks cookies Secure and scopes them to SESSION_DOMAIN in
// production only.
func (c *Config) CookieOptions() session.CookieOptions {
	if !c.Production() {
		return session.CookieOptions{}
	}
	return session.CookieOptions{Secure: true, Domain: c.Session.Domain}
}

// ArchivePath is the bbolt file holding contact submissions.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "contact.db")
}

// Logger returns a JSON logger at LOG_LEVEL writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}))
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type env struct {
	lookup func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.lookup(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

// duration accepts Go durations ("15s") or a bare number of milliseconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	var out []string
	for item := range strings.SplitSeq(e.str(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
