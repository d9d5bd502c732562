package web

import (
	"embed"
	"io/fs"
)

// assets bundles the portal page templates and static files.
//
//go:embed templates static
var assets embed.FS

// Templates returns a filesystem rooted at the bundled page templates.
func Templates() (fs.FS, error) {
	return fs.Sub(assets, "templates")
}

// Static returns a filesystem rooted at the bundled static assets.
func Static() (fs.FS, error) {
	return fs.Sub(assets, "static")
}
