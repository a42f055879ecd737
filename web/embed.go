// Package web embeds the chat console build under dist/ and serves it as a
// single-page application. dist/ ships with a minimal index.html so the
// binary always has something to serve; a real frontend build simply
// replaces the directory contents.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var consoleFS embed.FS

// SPAHandler serves the embedded console. Paths that match an embedded
// file are served as-is; everything else falls back to index.html so
// client-side routes survive a page reload.
func SPAHandler() http.Handler {
	subFS, err := fs.Sub(consoleFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}

	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		if f, err := subFS.Open(path); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close embedded file", "path", path, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
