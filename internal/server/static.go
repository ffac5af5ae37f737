package server

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// reservedRoutes belong to the rewrite engine's client runtime and must stay
// out of the static route table even if a file of the same name exists.
var reservedRoutes = []string{
	"/veilproxy.js",
	"/task.js",
	"/iframe-task.js",
	"/messaging",
	"/transport-worker.js",
}

// RegisterStaticDir publishes every file under dir as a GET route. index.html
// additionally serves the enclosing directory path. Registered routes always
// win over a static file of the same name, whichever was added first, so a
// file named after an admin endpoint cannot replace it.
func (s *Server) RegisterStaticDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat static dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("static path %s is not a directory", dir)
	}
	return s.registerStaticTree(dir, "/")
}

func (s *Server) registerStaticTree(dir, rootPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read static dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		fullPath := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := s.registerStaticTree(fullPath, rootPath+entry.Name()+"/"); err != nil {
				return err
			}
			continue
		}

		route := rootPath + entry.Name()
		if reserved(route) {
			s.logger.Warn().Str("route", route).Msg("static file shadows a reserved route, skipping")
			continue
		}
		handler := staticFileHandler(fullPath)
		s.addStatic(route, handler)
		if entry.Name() == "index.html" {
			s.addStatic(rootPath, handler)
			if trimmed := strings.TrimSuffix(rootPath, "/"); trimmed != "" {
				s.addStatic(trimmed, handler)
			}
		}
	}
	return nil
}

// addStatic registers a static file handler unless a route already owns the
// path. Unlike GET it never overrides.
func (s *Server) addStatic(route string, handler http.HandlerFunc) {
	if _, exists := s.routes[route]; exists {
		s.logger.Warn().Str("route", route).Msg("static file shadowed by an existing route, skipping")
		return
	}
	s.routes[route] = handler
}

func reserved(route string) bool {
	for _, r := range reservedRoutes {
		if route == r {
			return true
		}
	}
	return false
}

// staticFileHandler reads the file on every request so that edits show up
// without a restart. Caching is disabled on the client side for the same
// reason.
func staticFileHandler(file string) http.HandlerFunc {
	contentType := mime.TypeByExtension(path.Ext(file))
	return func(w http.ResponseWriter, r *http.Request) {
		content, err := os.ReadFile(file)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Write(content)
	}
}
