package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/otamoon/portfolio/auth"
	"github.com/otamoon/portfolio/contact"
	"github.com/otamoon/portfolio/i18n"
	"github.com/otamoon/portfolio/session"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	pageHome    = "home"
	pageContact = "contact"
	pageError   = "error"
)

// meta holds the translated head tags of a page.
type meta struct {
	Title         string
	Description   string
	Keywords      string
	OGTitle       string
	OGDescription string
}

// page is the data every template renders from.
type page struct {
	Tr        i18n.Translator
	Locale    string
	OGLocale  string
	Languages []string
	Meta      meta
	Canonical string
	Path      string
	CSRFToken string
	IsBot     bool
	User      auth.User
	UserName  string
	Toast     *session.Toast

	Form   contact.Form
	Errors contact.FieldErrors

	Status  int
	Message string
}

func parsePages() (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template)
	for _, name := range []string{pageHome, pageContact, pageError} {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		pages[name] = t
	}
	return pages, nil
}

func metaFor(tr i18n.Translator, name string) meta {
	m := meta{
		Title:         tr.T("meta.title"),
		Description:   tr.T("meta.description"),
		Keywords:      tr.T("meta.keywords"),
		OGTitle:       tr.T("meta.ogTitle"),
		OGDescription: tr.T("meta.ogDescription"),
	}
	if name == pageContact {
		m.Title = tr.T("meta.contactTitle")
		m.Description = tr.T("meta.contactDescription")
		m.OGTitle = m.Title
		m.OGDescription = m.Description
	}
	return m
}

func ogLocale(locale string) string {
	if locale == "hu" {
		return "hu_HU"
	}
	return "en_US"
}

// render executes the named page into a buffer first so a template error
// never leaves a half written response.
func (s *Server) render(w http.ResponseWriter, status int, name string, p *page) {
	var buf bytes.Buffer
	if err := s.pages[name].ExecuteTemplate(&buf, "layout", p); err != nil {
		s.logger.Error("rendering page failed", "page", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
