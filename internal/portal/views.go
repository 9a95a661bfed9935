package portal

import (
	"embed"
	"html/template"
	"io"
	"io/fs"
)

//go:embed templates/*.html
var viewsFS embed.FS

const pageTitle = "Thermometer setup"

type formData struct {
	Title       string
	MaxSSID     int
	MaxPassword int
}

type savedData struct {
	Title string
	SSID  string
}

type errorData struct {
	Title   string
	Message string
}

// loadTemplatesFromFS parses every page under dir. Tests pass broken file
// systems to exercise the failure path.
func loadTemplatesFromFS(fsys fs.FS, dir string) (*template.Template, error) {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return nil, err
	}
	return template.ParseFS(sub, "*.html")
}

func loadTemplates() (*template.Template, error) {
	return loadTemplatesFromFS(viewsFS, "templates")
}

func render(w io.Writer, tmpl *template.Template, name string, data any) error {
	return tmpl.ExecuteTemplate(w, name, data)
}
