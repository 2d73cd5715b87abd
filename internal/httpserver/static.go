package httpserver

import (
	"embed"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

//go:embed assets/*
var embeddedAssets embed.FS

// staticHandler serves published documents from the export directory and
// falls back to the embedded dashboard.
func (s *Server) staticHandler() http.Handler {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		panic(err)
	}
	assetServer := http.FileServer(http.FS(sub))

	var exportServer http.Handler
	if s.cfg.ExportDir != "" {
		exportServer = http.FileServer(http.Dir(s.cfg.ExportDir))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		normalized := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if normalized == "" || normalized == "index.html" {
			s.serveIndex(w, r, sub)
			return
		}
		if isHiddenPath(normalized) {
			http.NotFound(w, r)
			return
		}

		if exportServer != nil && isRegularFile(filepath.Join(s.cfg.ExportDir, filepath.FromSlash(normalized))) {
			w.Header().Set("Cache-Control", "no-cache")
			exportServer.ServeHTTP(w, withPath(r, normalized))
			return
		}

		if _, err := fs.Stat(sub, normalized); err == nil {
			assetServer.ServeHTTP(w, withPath(r, normalized))
			return
		}

		http.NotFound(w, r)
	})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request, assets fs.FS) {
	data, err := fs.ReadFile(assets, "index.html")
	if err != nil {
		http.Error(w, "missing index asset", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		s.loggerFromContext(r.Context()).Debug("failed to write index", "err", err)
	}
}

// isHiddenPath reports whether any segment is dot-prefixed, which covers
// temp files of in-flight exports.
func isHiddenPath(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// withPath clones r with a rooted, cleaned path so the file servers do not
// redirect.
func withPath(r *http.Request, normalized string) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	r2.URL = cloneURL(r.URL)
	r2.URL.Path = "/" + normalized
	return r2
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return &url.URL{Path: "/"}
	}
	copy := *u
	return &copy
}
