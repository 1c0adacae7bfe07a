package delivery

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"maps"
	"net/url"
	"strings"
	"sync"

	"newsletterd/internal/tenant"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	layoutTmpl  = template.Must(template.ParseFS(templateFS, "templates/layout.html"))
	defaultBody = mustRead("templates/body.html")
)

func mustRead(name string) string {
	b, err := templateFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// renderer caches one parsed template set per tenant.
type renderer struct {
	mu    sync.Mutex
	byTen map[string]*template.Template
}

func newRenderer() *renderer { return &renderer{byTen: map[string]*template.Template{}} }

func (r *renderer) template(t tenant.Tenant) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.byTen[t.ID()]; ok {
		return tpl, nil
	}
	body := defaultBody
	if tt, ok := t.(tenant.Templated); ok && strings.TrimSpace(tt.EmailTemplate()) != "" {
		body = tt.EmailTemplate()
	}
	tpl, err := layoutTmpl.Clone()
	if err != nil {
		return nil, err
	}
	if _, err := tpl.Parse(body); err != nil {
		return nil, fmt.Errorf("parse %s mail template: %w", t.ID(), err)
	}
	if tpl.Lookup("body") == nil {
		return nil, fmt.Errorf("%s mail template does not define \"body\"", t.ID())
	}
	r.byTen[t.ID()] = tpl
	return tpl, nil
}

func render(tpl *template.Template, base map[string]any, sub map[string]any) (string, error) {
	data := make(map[string]any, len(base)+len(sub))
	maps.Copy(data, base)
	maps.Copy(data, sub)
	var buf bytes.Buffer
	if err := tpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// UnsubscribeURL builds the one-click link carried by every newsletter.
func UnsubscribeURL(baseURL, tenantID, token string) string {
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(tenantID) + "/unsubscribe/token/" + url.PathEscape(token)
}
