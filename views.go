package secrets

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names understood by Views.Render
const (
	PageHome     = "home"
	PageRegister = "register"
	PageLogin    = "login"
	PageSecrets  = "secrets"
	PageSubmit   = "submit"
)

// PageData is what every page template receives
type PageData struct {
	Authenticated bool

	// Only set for the secrets page.  Never carries ids or usernames.
	Secrets []string
}

// Views holds the parsed page templates
type Views struct {
	pages map[string]*template.Template
}

// LoadViews parses the embedded page templates, each together with the
// shared layout
func LoadViews() (*Views, error) {
	out := &Views{pages: map[string]*template.Template{}}
	for _, name := range []string{PageHome, PageRegister, PageLogin, PageSecrets, PageSubmit} {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		out.pages[name] = tmpl
	}
	return out, nil
}

// Render executes a page into a buffer first so a failing template never
// produces a half written page
func (v *Views) Render(w http.ResponseWriter, name string, data PageData) {
	tmpl, ok := v.pages[name]
	if !ok {
		slog.Error("unknown page", "page", name)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name+".html", data); err != nil {
		slog.Error("error rendering page", "page", name, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
