// Package i18n negotiates the page locale and serves translations from the
// embedded locale files.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// CookieName is the locale cookie, readable by client scripts.
const CookieName = "i18next"

// CookieMaxAge is the lifetime of the locale cookie.
const CookieMaxAge = 365 * 24 * time.Hour

// Fallback is used when nothing better can be negotiated.
const Fallback = "en"

// Supported lists the locales with translation files.
var Supported = []string{"en", "hu"}

//go:embed locales/*.json
var localeFS embed.FS

// IsSupported reports whether locale has translations.
func IsSupported(locale string) bool {
	for _, s := range Supported {
		if s == locale {
			return true
		}
	}
	return false
}

// Negotiate picks the locale for r. A valid locale cookie wins; otherwise
// only the primary Accept-Language entry is considered. needCookie is true
// when the cookie is missing or invalid and should be (re)set.
func Negotiate(r *http.Request) (locale string, needCookie bool) {
	if c, err := r.Cookie(CookieName); err == nil && IsSupported(c.Value) {
		return c.Value, false
	}
	return primaryLanguage(r.Header.Get("Accept-Language")), true
}

func primaryLanguage(header string) string {
	if strings.TrimSpace(header) == "" {
		return Fallback
	}
	// Only the first listed entry counts, whatever its weight.
	first, _, _ := strings.Cut(header, ",")
	tags, _, err := language.ParseAcceptLanguage(first)
	if err != nil || len(tags) == 0 {
		return Fallback
	}
	base, _ := tags[0].Base()
	if b := strings.ToLower(base.String()); IsSupported(b) {
		return b
	}
	return Fallback
}

// Cookie returns the locale cookie for locale.
func Cookie(locale string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    locale,
		Path:     "/",
		MaxAge:   int(CookieMaxAge.Seconds()),
		Expires:  time.Now().Add(CookieMaxAge),
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Bundle holds flattened translations per locale. Keys use dots for
// nesting, e.g. "contact.title".
type Bundle struct {
	messages map[string]map[string]string
}

// Load reads every embedded locale file.
func Load() (*Bundle, error) {
	b := &Bundle{messages: make(map[string]map[string]string, len(Supported))}
	for _, locale := range Supported {
		raw, err := localeFS.ReadFile(path.Join("locales", locale+".json"))
		if err != nil {
			return nil, fmt.Errorf("reading %s translations: %w", locale, err)
		}
		var tree map[string]any
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("parsing %s translations: %w", locale, err)
		}
		flat := make(map[string]string)
		flatten("", tree, flat)
		b.messages[locale] = flat
	}
	return b, nil
}

func flatten(prefix string, tree map[string]any, out map[string]string) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case string:
			out[key] = t
		case map[string]any:
			flatten(key, t, out)
		}
	}
}

// T translates key for locale, falling back to the default locale and then
// to the key itself. args are name/value pairs substituted for {{name}}.
func (b *Bundle) T(locale, key string, args ...string) string {
	msg, ok := b.messages[locale][key]
	if !ok {
		msg, ok = b.messages[Fallback][key]
	}
	if !ok {
		return key
	}
	for i := 0; i+1 < len(args); i += 2 {
		msg = strings.ReplaceAll(msg, "{{"+args[i]+"}}", args[i+1])
	}
	return msg
}

// Keys returns the sorted keys known for locale.
func (b *Bundle) Keys(locale string) []string {
	keys := make([]string, 0, len(b.messages[locale]))
	for k := range b.messages[locale] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Translator binds a Bundle to one locale.
type Translator struct {
	bundle *Bundle
	Locale string
}

// For returns a Translator for locale.
func (b *Bundle) For(locale string) Translator {
	if !IsSupported(locale) {
		locale = Fallback
	}
	return Translator{bundle: b, Locale: locale}
}

// T translates key in the bound locale.
func (t Translator) T(key string, args ...string) string {
	return t.bundle.T(t.Locale, key, args...)
}
