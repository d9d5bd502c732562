package portal

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"sync"
)

const baseTemplate = "base.html"

// Templates renders the portal pages from a template filesystem. Each page
// is parsed together with the base layout. An index may carry its own
// template directory; pages found there shadow the shared ones.
type Templates struct {
	fsys fs.FS

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewTemplates wraps a template filesystem, verifying the base layout is
// present.
func NewTemplates(fsys fs.FS) (*Templates, error) {
	if _, err := fs.Stat(fsys, baseTemplate); err != nil {
		return nil, fmt.Errorf("template filesystem missing %s: %w", baseTemplate, err)
	}
	return &Templates{fsys: fsys, cache: make(map[string]*template.Template)}, nil
}

// Render writes the named page. templateDir is the index's override
// directory; empty means the shared templates only.
func (t *Templates) Render(w http.ResponseWriter, templateDir, name string, data any) error {
	tmpl, err := t.lookup(templateDir, name)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, baseTemplate, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err = buf.WriteTo(w)
	return err
}

func (t *Templates) lookup(templateDir, name string) (*template.Template, error) {
	page := t.resolve(templateDir, name)
	key := templateDir + "|" + name

	t.mu.Lock()
	defer t.mu.Unlock()
	if tmpl, ok := t.cache[key]; ok {
		return tmpl, nil
	}
	tmpl, err := template.New(baseTemplate).ParseFS(t.fsys, baseTemplate, page)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page, err)
	}
	t.cache[key] = tmpl
	return tmpl, nil
}

func (t *Templates) resolve(templateDir, name string) string {
	if templateDir != "" {
		override := path.Join(templateDir, name)
		if _, err := fs.Stat(t.fsys, override); err == nil {
			return override
		}
	}
	return name
}
