// Package web renders the relay status pages.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/socktls/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

// Dashboard is what the status page shows.
type Dashboard struct {
	Records  int
	Daemons  []string
	Relays   int64
	Timeouts int64
	Stale    int64
	Now      string
}

var funcs = template.FuncMap{
	"pct": pct,
}

// pct formats part as a percentage of total.
func pct(part, total int64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(part)*100/float64(total))
}

func load() {
	tmpl = template.Must(template.New("base").Funcs(funcs).ParseFS(tmplFS, "templates/*.html"))
}

// RenderDashboard writes the status page for d.
func RenderDashboard(w io.Writer, d Dashboard) error {
	if d.Now == "" {
		d.Now = time.Now().Format(time.RFC822)
	}
	return render(w, "dashboard", d)
}

// render executes name, falling back to the bare base page when it fails.
func render(w io.Writer, name string, data any) error {
	once.Do(load)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return tmpl.ExecuteTemplate(w, "base", data)
	}
	return nil
}
