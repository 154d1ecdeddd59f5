package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otamoon/portfolio/cache"
)

func lookupFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.HTTP.Port)
	assert.Equal(t, DefaultAPITimeout, cfg.API.Timeout)
	assert.Equal(t, "./public", cfg.PublicDir)
	assert.Equal(t, filepath.Join("./data", "contact.db"), cfg.ArchivePath())
	assert.Equal(t, cache.ModeLocal, cfg.CacheMode())
	assert.False(t, cfg.Production())
	assert.Empty(t, cfg.ImageHosts)
}

func TestFromLookup(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"APP_ENV":               "Production",
		"PORT":                  "8080",
		"API_HOST":              "https://api.example.com",
		"API_TIMEOUT":           "2500",
		"CACHE_SERVICE_URL":     "http://cache:4000",
		"CACHE_SERVICE_API_KEY": "k",
		"SESSION_SECRET":        "s",
		"SESSION_DOMAIN":        ".example.com",
		"SMTP_USER":             "mailer@example.com",
		"CONTACT_TO":            "me@example.com",
		"IMAGE_ALLOWED_HOSTS":   "cdn.example.com, images.example.com,",
	}))
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 2500*time.Millisecond, cfg.API.Timeout)
	assert.Equal(t, cache.ModeRemote, cfg.CacheMode())
	assert.Equal(t, "mailer@example.com", cfg.Contact.From)
	assert.Equal(t, "me@example.com", cfg.Contact.To)
	assert.Equal(t, []string{"cdn.example.com", "images.example.com"}, cfg.ImageHosts)

	opts := cfg.CookieOptions()
	assert.True(t, opts.Secure)
	assert.Equal(t, ".example.com", opts.Domain)
	require.NoError(t, cfg.Validate())
}

func TestCacheModeNeedsBothSettings(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"CACHE_SERVICE_URL": "http://cache:4000"}))
	require.NoError(t, err)
	assert.Equal(t, cache.ModeLocal, cfg.CacheMode())
}

func TestDevelopmentCookiesAreNotSecure(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"SESSION_DOMAIN": ".example.com"}))
	require.NoError(t, err)
	opts := cfg.CookieOptions()
	assert.False(t, opts.Secure)
	assert.Empty(t, opts.Domain)
}

func TestInvalidValues(t *testing.T) {
	_, err := FromLookup(lookupFrom(map[string]string{"PORT": "eighty"}))
	assert.ErrorContains(t, err, "PORT")

	_, err = FromLookup(lookupFrom(map[string]string{"API_TIMEOUT": "soon"}))
	assert.ErrorContains(t, err, "API_TIMEOUT")

	cfg, err := FromLookup(lookupFrom(map[string]string{"API_TIMEOUT": "15s"}))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.API.Timeout)
}

func TestValidate(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)
	err = cfg.Validate()
	assert.ErrorIs(t, err, ErrMissing)
	assert.ErrorContains(t, err, "SESSION_SECRET")
	assert.ErrorContains(t, err, "API_HOST")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.env")
	require.NoError(t, os.WriteFile(path, []byte("PORTFOLIO_TEST_ONLY=1\nSESSION_SECRET=from-file\nDATA_DIR=/var/lib/site\n"), 0o600))
	t.Setenv("DATA_DIR", "/srv/override")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Session.Secret)
	assert.Equal(t, "/srv/override", cfg.DataDir, "environment wins over the file")
	_, set := os.LookupEnv("PORTFOLIO_TEST_ONLY")
	assert.False(t, set, "loading does not mutate the process environment")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn"}
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "WARN", line["level"])
}
